package configs

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port     string `default:"8080"`
	Protocol string `default:"http"`

	// Storage selects the persistence backend: "postgres" or "memory".
	Storage string `default:"postgres"`

	PostgresUser     string
	PostgresDB       string
	PostgresPassword string
	PostgresHostname string `default:"localhost"`
	PostgresPort     string `default:"5432"`

	ConsulEnabled  bool   `split_words:"true"`
	ConsulProtocol string `default:"http"`
	ConsulHost     string
	ConsulPort     string `default:"8500"`
	AdvertiseHost  string `split_words:"true"`

	CertFile          string
	KeyFile           string
	MutualTLSEnabled  bool
	MutualTLSClientCA string

	AdminAPIKey    string        `split_words:"true" required:"true"`
	JWTSecret      string        `split_words:"true" required:"true"`
	TokenTTL       time.Duration `split_words:"true" default:"24h"`
	LivenessWindow time.Duration `split_words:"true" default:"3m"`
	SweepInterval  time.Duration `split_words:"true" default:"30s"`

	// Downstream event bus. Events are dropped when AMQPURL is empty.
	AMQPURL      string `envconfig:"AMQP_URL"`
	AMQPExchange string `envconfig:"AMQP_EXCHANGE" default:"rfid-sync"`

	// Values used to seed the default configuration document on first start.
	RabbitMQHost       string `envconfig:"RABBITMQ_HOST" default:"localhost"`
	RabbitMQPort       int    `envconfig:"RABBITMQ_PORT" default:"5672"`
	RabbitMQUser       string `envconfig:"RABBITMQ_USER" default:"guest"`
	RabbitMQPassword   string `envconfig:"RABBITMQ_PASSWORD" default:"guest"`
	RabbitMQVHost      string `envconfig:"RABBITMQ_VHOST" default:"/"`
	QueuePrefix        string `split_words:"true" default:"rfid_"`
	LogLevel           string `split_words:"true" default:"INFO"`
	HeartbeatInterval  int    `split_words:"true" default:"60"`
	CacheTTL           int    `split_words:"true" default:"300"`
	OfflineModeEnabled bool   `split_words:"true" default:"true"`
	MaxOfflineReadings int    `split_words:"true" default:"10000"`
}

func NewConfig(prefix string) (error, Config) {
	var cfg Config
	err := envconfig.Process(prefix, &cfg)
	if err != nil {
		return err, Config{}
	}
	return nil, cfg
}
