package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration 支持在 JSON 中以 "30s"、"5m" 形式书写时长，同时兼容纯数字秒数。
type Duration time.Duration

// Std 返回标准库时长。
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// UnmarshalJSON 实现 json.Unmarshaler。
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch value := raw.(type) {
	case float64:
		*d = Duration(time.Duration(value * float64(time.Second)))
		return nil
	case string:
		return d.Decode(value)
	case nil:
		*d = 0
		return nil
	default:
		return fmt.Errorf("无效的时长: %s", string(data))
	}
}

// MarshalJSON 实现 json.Marshaler。
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Decode 实现 envconfig.Decoder，便于通过环境变量覆盖时长。
func (d *Duration) Decode(value string) error {
	if value == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("无效的时长 %q: %w", value, err)
	}
	*d = Duration(parsed)
	return nil
}
