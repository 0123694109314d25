package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Log      LogConfig      `mapstructure:"log"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	MFA      MFAConfig      `mapstructure:"mfa"`
	Authz    AuthzConfig    `mapstructure:"authz"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Mode         string        `mapstructure:"mode"` // debug, release
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	DBName          string `mapstructure:"dbname"`
	SSLMode         string `mapstructure:"sslmode"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"` // 分钟
}

// DSN 生成数据库连接字符串
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KafkaConfig Kafka配置
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
	Output   string `mapstructure:"output"`
	FilePath string `mapstructure:"file_path"`
}

// JWTConfig JWT配置
type JWTConfig struct {
	Secret             string        `mapstructure:"secret"`
	Issuer             string        `mapstructure:"issuer"`
	MFATokenExpiration time.Duration `mapstructure:"mfa_token_expiration"`
}

// MFAConfig 多因素认证配置
type MFAConfig struct {
	ChallengeValidity  time.Duration `mapstructure:"challenge_validity"`
	MaxAttempts        int           `mapstructure:"max_attempts"`
	TrustedDeviceDays  int           `mapstructure:"trusted_device_days"`
	RequireEnrollment  bool          `mapstructure:"require_enrollment"`
	ChallengeRateLimit int           `mapstructure:"challenge_rate_limit"` // 每用户每小时挑战上限

	TOTP     TOTPConfig     `mapstructure:"totp"`
	SMS      SMSConfig      `mapstructure:"sms"`
	Email    EmailConfig    `mapstructure:"email"`
	WebAuthn WebAuthnConfig `mapstructure:"webauthn"`
}

// TOTPConfig TOTP配置
type TOTPConfig struct {
	Issuer string `mapstructure:"issuer"`
	Digits int    `mapstructure:"digits"`
	Period uint   `mapstructure:"period"`
	Skew   uint   `mapstructure:"skew"` // 允许的前后时间窗数
}

// SMSConfig 短信配置
type SMSConfig struct {
	Provider       string        `mapstructure:"provider"` // mock, http
	APIEndpoint    string        `mapstructure:"api_endpoint"`
	APIKey         string        `mapstructure:"api_key"`
	SenderID       string        `mapstructure:"sender_id"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	CodeLength     int           `mapstructure:"code_length"`
	CodeValidity   time.Duration `mapstructure:"code_validity"`
	PhoneHourLimit int           `mapstructure:"phone_hour_limit"` // 每号码每小时上限
	IPHourLimit    int           `mapstructure:"ip_hour_limit"`    // 每IP每小时上限
}

// EmailConfig 邮件配置
type EmailConfig struct {
	Provider       string        `mapstructure:"provider"` // mock, smtp
	SMTPHost       string        `mapstructure:"smtp_host"`
	SMTPPort       int           `mapstructure:"smtp_port"`
	SMTPUser       string        `mapstructure:"smtp_user"`
	SMTPPassword   string        `mapstructure:"smtp_password"`
	FromAddress    string        `mapstructure:"from_address"`
	FromName       string        `mapstructure:"from_name"`
	CodeLength     int           `mapstructure:"code_length"`
	CodeValidity   time.Duration `mapstructure:"code_validity"`
	EmailHourLimit int           `mapstructure:"email_hour_limit"` // 每邮箱每小时上限
	IPHourLimit    int           `mapstructure:"ip_hour_limit"`    // 每IP每小时上限
}

// WebAuthnConfig WebAuthn配置
type WebAuthnConfig struct {
	RPID          string        `mapstructure:"rp_id"`
	RPDisplayName string        `mapstructure:"rp_display_name"`
	RPOrigins     []string      `mapstructure:"rp_origins"`
	SessionStore  string        `mapstructure:"session_store"` // memory, redis
	SessionTTL    time.Duration `mapstructure:"session_ttl"`
}

// AuthzConfig 授权引擎配置
type AuthzConfig struct {
	RiskWeights    RiskWeights    `mapstructure:"risk_weights"`
	RiskThresholds RiskThresholds `mapstructure:"risk_thresholds"`
}

// RiskWeights 风险评分权重
type RiskWeights struct {
	Classification map[string]float64 `mapstructure:"classification"`
	ResourceRisk   map[string]float64 `mapstructure:"resource_risk"`
	GeoMismatch    float64            `mapstructure:"geo_mismatch"`
	Emergency      float64            `mapstructure:"emergency"`
}

// RiskThresholds 风险阈值，决定附加的访问义务
type RiskThresholds struct {
	AuditLogging float64 `mapstructure:"audit_logging"`
	Approval     float64 `mapstructure:"approval"`
	MFA          float64 `mapstructure:"mfa"`
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	v.SetEnvPrefix("IDENTITY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return &config, nil
}

// setDefaults 设置默认配置
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.dbname", "identity_security")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", 60)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "security-audit-events")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")

	v.SetDefault("jwt.issuer", "identity-security")
	v.SetDefault("jwt.mfa_token_expiration", "10m")

	v.SetDefault("mfa.challenge_validity", "5m")
	v.SetDefault("mfa.max_attempts", 3)
	v.SetDefault("mfa.trusted_device_days", 30)
	v.SetDefault("mfa.require_enrollment", false)
	v.SetDefault("mfa.challenge_rate_limit", 10)

	v.SetDefault("mfa.totp.issuer", "Enterprise Security")
	v.SetDefault("mfa.totp.digits", 6)
	v.SetDefault("mfa.totp.period", 30)
	v.SetDefault("mfa.totp.skew", 1)

	v.SetDefault("mfa.sms.provider", "mock")
	v.SetDefault("mfa.sms.request_timeout", "10s")
	v.SetDefault("mfa.sms.code_length", 6)
	v.SetDefault("mfa.sms.code_validity", "5m")
	v.SetDefault("mfa.sms.phone_hour_limit", 5)
	v.SetDefault("mfa.sms.ip_hour_limit", 10)

	v.SetDefault("mfa.email.provider", "mock")
	v.SetDefault("mfa.email.smtp_port", 587)
	v.SetDefault("mfa.email.from_name", "Enterprise Security")
	v.SetDefault("mfa.email.code_length", 8)
	v.SetDefault("mfa.email.code_validity", "10m")
	v.SetDefault("mfa.email.email_hour_limit", 5)
	v.SetDefault("mfa.email.ip_hour_limit", 10)

	v.SetDefault("mfa.webauthn.rp_id", "localhost")
	v.SetDefault("mfa.webauthn.rp_display_name", "Enterprise Security")
	v.SetDefault("mfa.webauthn.rp_origins", []string{"http://localhost:8080"})
	v.SetDefault("mfa.webauthn.session_store", "memory")
	v.SetDefault("mfa.webauthn.session_ttl", "5m")

	v.SetDefault("authz.risk_weights.classification", map[string]float64{
		"public": 0.0, "internal": 0.1, "confidential": 0.3, "restricted": 0.5, "top_secret": 0.7,
	})
	v.SetDefault("authz.risk_weights.resource_risk", map[string]float64{
		"low": 0.0, "medium": 0.1, "high": 0.3, "critical": 0.5,
	})
	v.SetDefault("authz.risk_weights.geo_mismatch", 0.2)
	v.SetDefault("authz.risk_weights.emergency", 0.3)

	v.SetDefault("authz.risk_thresholds.audit_logging", 0.3)
	v.SetDefault("authz.risk_thresholds.approval", 0.7)
	v.SetDefault("authz.risk_thresholds.mfa", 0.8)
}

// Validate 验证配置有效性
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("无效的服务器端口: %d", c.Server.Port)
	}
	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT密钥不能为空")
	}
	if c.MFA.ChallengeValidity <= 0 {
		return fmt.Errorf("挑战有效期必须大于0")
	}
	if c.MFA.MaxAttempts <= 0 {
		return fmt.Errorf("最大尝试次数必须大于0")
	}
	if c.MFA.TOTP.Digits != 6 && c.MFA.TOTP.Digits != 8 {
		return fmt.Errorf("TOTP位数必须为6或8")
	}
	t := c.Authz.RiskThresholds
	if t.AuditLogging < 0 || t.AuditLogging > 1 || t.Approval < 0 || t.Approval > 1 || t.MFA < 0 || t.MFA > 1 {
		return fmt.Errorf("风险阈值必须在0到1之间")
	}
	if t.Approval < t.AuditLogging || t.MFA < t.Approval {
		return fmt.Errorf("风险阈值必须单调递增: audit_logging <= approval <= mfa")
	}
	return nil
}
