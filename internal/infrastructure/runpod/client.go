package runpod

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// 任务状态
const (
	StatusInQueue    = "IN_QUEUE"
	StatusInProgress = "IN_PROGRESS"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
	StatusError      = "ERROR"
	StatusCancelled  = "CANCELLED"
	StatusTimedOut   = "TIMED_OUT"
)

// PromptNode 工作流中承载提示词的节点
const PromptNode = "45"

var (
	ErrNoImage   = errors.New("runpod: 任务输出中没有图片")
	ErrJobFailed = errors.New("runpod: 任务失败")
)

// Workflow ComfyUI API 格式的工作流，key 为节点 ID
type Workflow map[string]map[string]interface{}

// LoadWorkflow 读取工作流模板文件
func LoadWorkflow(path string) (Workflow, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取工作流失败: %w", err)
	}
	var wf Workflow
	if err := json.Unmarshal(raw, &wf); err != nil {
		return nil, fmt.Errorf("解析工作流失败: %w", err)
	}
	return wf, nil
}

// Prepare 深拷贝模板，写入提示词并随机化所有 seed / noise_seed
func (wf Workflow) Prepare(prompt string) (Workflow, error) {
	raw, err := json.Marshal(wf)
	if err != nil {
		return nil, err
	}
	var out Workflow
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}

	for id, node := range out {
		inputs, ok := node["inputs"].(map[string]interface{})
		if !ok {
			continue
		}
		if id == PromptNode {
			inputs["string_a"] = prompt
		}
		for _, key := range []string{"seed", "noise_seed"} {
			if _, ok := inputs[key]; ok {
				seed, err := randomSeed()
				if err != nil {
					return nil, err
				}
				inputs[key] = seed
			}
		}
	}
	return out, nil
}

func randomSeed() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// JobStatus GET /status/{id} 的响应
type JobStatus struct {
	ID     string     `json:"id"`
	Status string     `json:"status"`
	Error  string     `json:"error,omitempty"`
	Output *JobOutput `json:"output,omitempty"`
}

type JobOutput struct {
	Images []struct {
		Filename string `json:"filename"`
		Type     string `json:"type"`
		Data     string `json:"data"`
	} `json:"images"`
}

func (s *JobStatus) Done() bool {
	return s.Status == StatusCompleted
}

// Failed 终态失败；未知状态视为仍在运行
func (s *JobStatus) Failed() bool {
	switch s.Status {
	case StatusFailed, StatusError, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// Image 解出第一张图片
func (s *JobStatus) Image() ([]byte, error) {
	if s.Output == nil || len(s.Output.Images) == 0 || s.Output.Images[0].Data == "" {
		return nil, ErrNoImage
	}
	img, err := base64.StdEncoding.DecodeString(s.Output.Images[0].Data)
	if err != nil {
		return nil, fmt.Errorf("runpod: 图片解码失败: %w", err)
	}
	return img, nil
}

// Client RunPod serverless 端点客户端
type Client struct {
	baseURL    string
	endpointID string
	apiKey     string
	http       *http.Client
}

func NewClient(baseURL, endpointID, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		endpointID: endpointID,
		apiKey:     apiKey,
		http:       &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, in interface{}, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, fmt.Sprintf("%s/v2/%s%s", c.baseURL, c.endpointID, path), body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("runpod: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("runpod: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("runpod: 解析响应失败: %w", err)
	}
	return nil
}

// Submit 提交任务，返回任务 ID
func (c *Client) Submit(ctx context.Context, wf Workflow) (string, error) {
	var st JobStatus
	if err := c.do(ctx, http.MethodPost, "/run", map[string]interface{}{"input": wf}, &st); err != nil {
		return "", err
	}
	if st.ID == "" {
		return "", errors.New("runpod: 提交响应缺少任务 ID")
	}
	return st.ID, nil
}

// Status 查询任务状态
func (c *Client) Status(ctx context.Context, jobID string) (*JobStatus, error) {
	var st JobStatus
	if err := c.do(ctx, http.MethodGet, "/status/"+jobID, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}
