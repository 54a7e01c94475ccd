package types

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// HTTPMethod 请求方法
type HTTPMethod string

const (
	MethodGet     HTTPMethod = "GET"
	MethodPost    HTTPMethod = "POST"
	MethodPut     HTTPMethod = "PUT"
	MethodDelete  HTTPMethod = "DELETE"
	MethodPatch   HTTPMethod = "PATCH"
	MethodOptions HTTPMethod = "OPTIONS"
	MethodHead    HTTPMethod = "HEAD"
)

// Valid reports whether m is one of the methods the executor accepts.
func (m HTTPMethod) Valid() bool {
	switch m {
	case MethodGet, MethodPost, MethodPut, MethodDelete, MethodPatch, MethodOptions, MethodHead:
		return true
	}
	return false
}

// Endpoint 单个 API 调用
type Endpoint struct {
	ID          string            `json:"id" yaml:"id"`
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description" yaml:"description"`
	Method      HTTPMethod        `json:"method" yaml:"method"`
	URL         string            `json:"url" yaml:"url"`
	Headers     map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body        map[string]any    `json:"body,omitempty" yaml:"body,omitempty"`
	Parameters  map[string]string `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	CreatedAt   string            `json:"createdAt" yaml:"createdAt"`
	UpdatedAt   string            `json:"updatedAt" yaml:"updatedAt"`
}

// Validate 校验端点
func (e *Endpoint) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("endpoint id is required")
	}
	if !e.Method.Valid() {
		return fmt.Errorf("endpoint %s: unsupported method %q", e.ID, e.Method)
	}
	if strings.TrimSpace(e.URL) == "" {
		return fmt.Errorf("endpoint %s: url is required", e.ID)
	}
	return nil
}

// Flow 按顺序执行的一组端点
type Flow struct {
	ID          string   `json:"id" yaml:"id"`
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description" yaml:"description"`
	Sequence    []string `json:"sequence" yaml:"sequence"`
	CreatedAt   string   `json:"createdAt" yaml:"createdAt"`
	UpdatedAt   string   `json:"updatedAt" yaml:"updatedAt"`
}

// Validate 校验流程，endpoints 为已知端点（按 ID 索引），为 nil 时不检查引用
func (f *Flow) Validate(endpoints map[string]Endpoint) error {
	if strings.TrimSpace(f.ID) == "" {
		return fmt.Errorf("flow id is required")
	}
	if len(f.Sequence) == 0 {
		return fmt.Errorf("flow %s: sequence is empty", f.ID)
	}
	if endpoints == nil {
		return nil
	}
	for i, id := range f.Sequence {
		if _, ok := endpoints[id]; !ok {
			return fmt.Errorf("flow %s: step %d references unknown endpoint %q", f.ID, i, id)
		}
	}
	return nil
}

// FlowFile 流程文件，YAML 或 JSON
type FlowFile struct {
	Endpoints []Endpoint `json:"endpoints" yaml:"endpoints"`
	Flows     []Flow     `json:"flows" yaml:"flows"`
}

// EndpointIndex 按 ID 索引端点
func (f *FlowFile) EndpointIndex() map[string]Endpoint {
	idx := make(map[string]Endpoint, len(f.Endpoints))
	for _, ep := range f.Endpoints {
		idx[ep.ID] = ep
	}
	return idx
}

// Flow 按 ID 查找流程
func (f *FlowFile) Flow(id string) (*Flow, bool) {
	for i := range f.Flows {
		if f.Flows[i].ID == id {
			return &f.Flows[i], true
		}
	}
	return nil, false
}

// LoadFlows 读取并校验流程文件
func LoadFlows(path string) (*FlowFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read flow file: %w", err)
	}

	// JSON 是 YAML 的子集，一个解码器即可
	var file FlowFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse flow file: %w", err)
	}

	for i := range file.Endpoints {
		if err := file.Endpoints[i].Validate(); err != nil {
			return nil, err
		}
	}
	idx := file.EndpointIndex()
	for i := range file.Flows {
		if err := file.Flows[i].Validate(idx); err != nil {
			return nil, err
		}
	}
	return &file, nil
}
