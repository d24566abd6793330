package task

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "Monad-Automation/internal/errors"
)

// 组合任务的类型名。
const (
	TypeSequential = "sequential"
	TypeParallel   = "parallel"
)

// Spec 是任务的声明式描述，可来自 API 请求体或 YAML/JSON 文件。
type Spec struct {
	Type     string         `json:"type" yaml:"type"`
	Name     string         `json:"name,omitempty" yaml:"name,omitempty"`
	Wallet   string         `json:"wallet,omitempty" yaml:"wallet,omitempty"`
	Params   map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	Subtasks []Spec         `json:"subtasks,omitempty" yaml:"subtasks,omitempty"`
	Limit    int            `json:"limit,omitempty" yaml:"limit,omitempty"`
}

// IsComposite 判断 Spec 是否描述组合任务。
func (s Spec) IsComposite() bool {
	return s.Type == TypeSequential || s.Type == TypeParallel
}

// Builder 将 Spec 转换为可执行的 Task。
type Builder interface {
	Build(spec Spec) (Task, error)
}

// ParseSpec 解析 YAML 或 JSON 格式的任务描述。
func ParseSpec(data []byte) (Spec, error) {
	var spec Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return Spec{}, xerrors.Wrap(xerrors.CodeTaskConfiguration, err, "解析任务描述失败")
	}
	spec.normalize()
	if spec.Type == "" {
		return Spec{}, xerrors.New(xerrors.CodeTaskConfiguration, "任务类型不能为空")
	}
	return spec, nil
}

// LoadSpecFile 从文件读取任务描述。
func LoadSpecFile(path string) (Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Spec{}, xerrors.Wrap(xerrors.CodeTaskConfiguration, err, fmt.Sprintf("读取任务文件 %s 失败", path))
	}
	return ParseSpec(data)
}

func (s *Spec) normalize() {
	s.Type = strings.ToLower(strings.TrimSpace(s.Type))
	s.Wallet = strings.TrimSpace(s.Wallet)
	for i := range s.Subtasks {
		s.Subtasks[i].normalize()
	}
}

func cloneSpec(spec Spec) Spec {
	out := spec
	if spec.Params != nil {
		out.Params = make(map[string]any, len(spec.Params))
		for k, v := range spec.Params {
			out.Params[k] = v
		}
	}
	if spec.Subtasks != nil {
		out.Subtasks = make([]Spec, len(spec.Subtasks))
		for i, sub := range spec.Subtasks {
			out.Subtasks[i] = cloneSpec(sub)
		}
	}
	return out
}
