package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
		// 节点名，用于房间租约；为空时取 hostname
		Node string `mapstructure:"node"`
	} `mapstructure:"running"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	Mysql struct {
		DSN             string        `mapstructure:"dsn"`
		MaxOpenConns    int           `mapstructure:"max_open_conns"`
		MaxIdleConns    int           `mapstructure:"max_idle_conns"`
		ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	} `mapstructure:"mysql"`
	Kafka struct {
		Enabled     bool          `mapstructure:"enabled"`
		Brokers     []string      `mapstructure:"brokers"`
		Topic       string        `mapstructure:"topic"`
		QueueSize   int           `mapstructure:"queue_size"`
		Workers     int           `mapstructure:"workers"`
		MaxRetry    int           `mapstructure:"max_retry"`
		BaseBackoff time.Duration `mapstructure:"base_backoff"`
		MaxBackoff  time.Duration `mapstructure:"max_backoff"`
		MaxInFlight int           `mapstructure:"max_in_flight"`
	} `mapstructure:"kafka"`
	Auth struct {
		// 鉴权服务地址；为空时用本地 JWT 密钥校验
		Path          string        `mapstructure:"path"`
		Secret        string        `mapstructure:"secret"`
		VerifyTimeout time.Duration `mapstructure:"verify_timeout"`
	} `mapstructure:"auth"`
	Room struct {
		LockTTL        time.Duration `mapstructure:"lock_ttl"`
		SweepInterval  time.Duration `mapstructure:"sweep_interval"`
		InboxSize      int           `mapstructure:"inbox_size"`
		Columns        int           `mapstructure:"columns"`
		PersistTimeout time.Duration `mapstructure:"persist_timeout"`
		PublishTimeout time.Duration `mapstructure:"publish_timeout"`
		LeaseTTL       time.Duration `mapstructure:"lease_ttl"`
	} `mapstructure:"room"`
	Conn struct {
		SendQueue      int           `mapstructure:"send_queue"`
		StrikeLimit    int           `mapstructure:"strike_limit"`
		PresenceTTL    time.Duration `mapstructure:"presence_ttl"`
		ReadTimeout    time.Duration `mapstructure:"read_timeout"`
		SubmitWait     time.Duration `mapstructure:"submit_wait"`
		MaxInFlight    int           `mapstructure:"max_in_flight"`
		AllowedOrigins []string      `mapstructure:"allowed_origins"`
	} `mapstructure:"conn"`
	Cors struct {
		Enabled      bool     `mapstructure:"enabled"`
		AllowOrigins []string `mapstructure:"allow_origins"`
	} `mapstructure:"cors"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8082)
	v.SetDefault("running.node", "")
	v.SetDefault("redis.addrs", []string{"127.0.0.1:6379"})
	v.SetDefault("redis.password", "")
	v.SetDefault("mysql.dsn", "")
	v.SetDefault("mysql.max_open_conns", 20)
	v.SetDefault("mysql.max_idle_conns", 10)
	v.SetDefault("mysql.conn_max_lifetime", time.Hour)
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"127.0.0.1:9092"})
	v.SetDefault("kafka.topic", "draft-events")
	//  Go 允许在数字里用下划线做分隔符，方便阅读
	v.SetDefault("kafka.queue_size", 10_000)
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("kafka.max_retry", 3)
	v.SetDefault("kafka.base_backoff", 50*time.Millisecond)
	v.SetDefault("kafka.max_backoff", time.Second)
	v.SetDefault("kafka.max_in_flight", 100)
	v.SetDefault("auth.path", "")
	v.SetDefault("auth.secret", "dev-secret")
	v.SetDefault("auth.verify_timeout", 1200*time.Millisecond)
	v.SetDefault("room.lock_ttl", 15*time.Second)
	v.SetDefault("room.sweep_interval", time.Second)
	v.SetDefault("room.inbox_size", 256)
	v.SetDefault("room.columns", 12)
	v.SetDefault("room.persist_timeout", 3*time.Second)
	v.SetDefault("room.publish_timeout", 10*time.Second)
	v.SetDefault("room.lease_ttl", 30*time.Second)
	v.SetDefault("conn.send_queue", 64)
	v.SetDefault("conn.strike_limit", 5)
	v.SetDefault("conn.presence_ttl", 60*time.Second)
	v.SetDefault("conn.read_timeout", 90*time.Second)
	v.SetDefault("conn.submit_wait", 200*time.Millisecond)
	v.SetDefault("conn.max_in_flight", 100)
	v.SetDefault("conn.allowed_origins", []string{})
	v.SetDefault("cors.enabled", false)
	v.SetDefault("cors.allow_origins", []string{})
}

// Load 读取 draftConfig.yaml，环境变量 DRAFT_XXX_YYY 覆盖 xxx.yyy。
// 找不到配置文件时只用默认值和环境变量。
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigName("draftConfig")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		// 兼容从项目根目录或 backend 目录启动
		paths = []string{"./backend/config", "./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix("DRAFT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
