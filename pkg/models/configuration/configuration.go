package configuration

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// DefaultScope names the document every device inherits from.
const DefaultScope = "default"

const (
	DefaultHeartbeatInterval  = 60
	DefaultCacheTTL           = 300
	DefaultMaxOfflineReadings = 10000
	DefaultLogLevel           = "INFO"
)

// Fields is a sparse set of operational parameters. A nil field is absent
// and inherits from the document below it when documents are merged.
type Fields struct {
	RabbitMQHost       *string `json:"rabbitmq_host,omitempty" yaml:"rabbitmq_host,omitempty"`
	RabbitMQPort       *int    `json:"rabbitmq_port,omitempty" yaml:"rabbitmq_port,omitempty" validate:"omitempty,min=1,max=65535"`
	RabbitMQUser       *string `json:"rabbitmq_user,omitempty" yaml:"rabbitmq_user,omitempty"`
	RabbitMQPassword   *string `json:"rabbitmq_password,omitempty" yaml:"rabbitmq_password,omitempty"`
	RabbitMQVHost      *string `json:"rabbitmq_vhost,omitempty" yaml:"rabbitmq_vhost,omitempty"`
	QueuePrefix        *string `json:"queue_prefix,omitempty" yaml:"queue_prefix,omitempty"`
	LogLevel           *string `json:"log_level,omitempty" yaml:"log_level,omitempty" validate:"omitempty,oneof=DEBUG INFO WARN WARNING ERROR"`
	HeartbeatInterval  *int    `json:"heartbeat_interval,omitempty" yaml:"heartbeat_interval,omitempty" validate:"omitempty,min=1,max=86400"`
	CacheTTL           *int    `json:"cache_ttl,omitempty" yaml:"cache_ttl,omitempty" validate:"omitempty,min=0"`
	OfflineModeEnabled *bool   `json:"offline_mode_enabled,omitempty" yaml:"offline_mode_enabled,omitempty"`
	MaxOfflineReadings *int    `json:"max_offline_readings,omitempty" yaml:"max_offline_readings,omitempty" validate:"omitempty,min=1"`
}

// Document is a stored or resolved configuration document.
type Document struct {
	Fields
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

var validate = validator.New()

func (f Fields) Validate() error {
	return validate.Struct(f)
}

func (f Fields) IsEmpty() bool {
	return f == Fields{}
}

// Overlay returns f with every field present in o replacing the one in f.
func (f Fields) Overlay(o Fields) Fields {
	if o.RabbitMQHost != nil {
		f.RabbitMQHost = o.RabbitMQHost
	}
	if o.RabbitMQPort != nil {
		f.RabbitMQPort = o.RabbitMQPort
	}
	if o.RabbitMQUser != nil {
		f.RabbitMQUser = o.RabbitMQUser
	}
	if o.RabbitMQPassword != nil {
		f.RabbitMQPassword = o.RabbitMQPassword
	}
	if o.RabbitMQVHost != nil {
		f.RabbitMQVHost = o.RabbitMQVHost
	}
	if o.QueuePrefix != nil {
		f.QueuePrefix = o.QueuePrefix
	}
	if o.LogLevel != nil {
		f.LogLevel = o.LogLevel
	}
	if o.HeartbeatInterval != nil {
		f.HeartbeatInterval = o.HeartbeatInterval
	}
	if o.CacheTTL != nil {
		f.CacheTTL = o.CacheTTL
	}
	if o.OfflineModeEnabled != nil {
		f.OfflineModeEnabled = o.OfflineModeEnabled
	}
	if o.MaxOfflineReadings != nil {
		f.MaxOfflineReadings = o.MaxOfflineReadings
	}
	return f
}

// Merge resolves a device document: override fields win over base fields
// one by one. The resolved version is the sum of both versions so that any
// update to either row yields a larger number.
func Merge(base Document, override *Document) Document {
	if override == nil {
		return base
	}
	resolved := Document{
		Fields:    base.Fields.Overlay(override.Fields),
		Version:   base.Version + override.Version,
		UpdatedAt: base.UpdatedAt,
	}
	if override.UpdatedAt.After(resolved.UpdatedAt) {
		resolved.UpdatedAt = override.UpdatedAt
	}
	return resolved
}

// MarshalFields encodes only the present fields, the form stored per scope.
func (f Fields) MarshalFields() ([]byte, error) {
	return json.Marshal(f)
}

func UnmarshalFields(data []byte) (Fields, error) {
	var f Fields
	if len(data) == 0 {
		return f, nil
	}
	err := json.Unmarshal(data, &f)
	return f, err
}

func (f Fields) HeartbeatEvery() time.Duration {
	if f.HeartbeatInterval == nil || *f.HeartbeatInterval <= 0 {
		return DefaultHeartbeatInterval * time.Second
	}
	return time.Duration(*f.HeartbeatInterval) * time.Second
}

func (f Fields) CacheTTLDuration() time.Duration {
	if f.CacheTTL == nil || *f.CacheTTL < 0 {
		return DefaultCacheTTL * time.Second
	}
	return time.Duration(*f.CacheTTL) * time.Second
}

func (f Fields) OfflineMode() bool {
	if f.OfflineModeEnabled == nil {
		return true
	}
	return *f.OfflineModeEnabled
}

func (f Fields) MaxOffline() int {
	if f.MaxOfflineReadings == nil || *f.MaxOfflineReadings <= 0 {
		return DefaultMaxOfflineReadings
	}
	return *f.MaxOfflineReadings
}

func (f Fields) Level() string {
	if f.LogLevel == nil || *f.LogLevel == "" {
		return DefaultLogLevel
	}
	return strings.ToUpper(*f.LogLevel)
}

func String(v string) *string { return &v }
func Int(v int) *int          { return &v }
func Bool(v bool) *bool       { return &v }
