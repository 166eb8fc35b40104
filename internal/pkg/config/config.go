package config

import (
	"strconv"
	"strings"

	"github.com/omnitool-app/omnitool/internal/pkg/env"
)

// Deployment regions. Exactly one regional backend is live per deployment,
// selected once at startup and never per request.
const (
	RegionGlobal = "global"
	RegionCN     = "cn"
)

// Config is the process-wide configuration object. It is constructed once
// in main and passed into every component; no component reads the
// environment on its own after startup.
type Config struct {
	AppEnv string
	Host   string
	Port   string
	Region string

	MySQL MySQLConfig
	Mongo MongoConfig
	Redis RedisConfig

	Stripe StripeConfig
	Alipay AlipayConfig
	Wechat WechatConfig
	Apple  AppleConfig

	// SkipSignatureVerify disables webhook authenticity checks. It exists
	// for local development only and defaults to enforced verification.
	SkipSignatureVerify bool
}

type MySQLConfig struct {
	User     string
	Password string
	Host     string
	Port     string
	Name     string
}

type MongoConfig struct {
	URI      string
	Database string
}

type RedisConfig struct {
	Host string
	Port string
}

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
}

type AlipayConfig struct {
	AppID         string
	GatewayURL    string
	PublicCertPEM string
	PrivateKeyPEM string
	NotifyURL     string
}

type WechatConfig struct {
	AppID    string
	MchID    string
	APIv3Key string
	Gateway  string
}

type AppleConfig struct {
	SharedSecret string
	VerifyURL    string
	Sandbox      bool
}

// Load materializes the typed configuration from the environment. Call
// env.SetupEnvFile first.
func Load() *Config {
	return &Config{
		AppEnv: env.GetEnv("APP_ENV", "prod"),
		Host:   env.GetEnv("APP_HOST", "localhost"),
		Port:   env.GetEnv("APP_PORT", "4000"),
		Region: normalizeRegion(env.GetEnv("REGION", RegionGlobal)),
		MySQL: MySQLConfig{
			User:     env.GetEnv("DB_USER", ""),
			Password: env.GetEnv("DB_PASSWORD", ""),
			Host:     env.GetEnv("DB_HOST", "127.0.0.1"),
			Port:     env.GetEnv("DB_PORT", "3306"),
			Name:     env.GetEnv("DB_NAME", "omnitool"),
		},
		Mongo: MongoConfig{
			URI:      env.GetEnv("MONGO_URI", "mongodb://127.0.0.1:27017"),
			Database: env.GetEnv("MONGO_DB", "omnitool"),
		},
		Redis: RedisConfig{
			Host: env.GetEnv("CACHE_HOST", "localhost"),
			Port: env.GetEnv("CACHE_PORT", "6379"),
		},
		Stripe: StripeConfig{
			SecretKey:     env.GetEnv("STRIPE_SECRET_KEY", ""),
			WebhookSecret: env.GetEnv("STRIPE_WEBHOOK_SECRET", ""),
		},
		Alipay: AlipayConfig{
			AppID:         env.GetEnv("ALIPAY_APP_ID", ""),
			GatewayURL:    env.GetEnv("ALIPAY_GATEWAY_URL", "https://openapi.alipay.com/gateway.do"),
			PublicCertPEM: env.GetEnv("ALIPAY_PUBLIC_CERT_PEM", ""),
			PrivateKeyPEM: env.GetEnv("ALIPAY_PRIVATE_KEY_PEM", ""),
			NotifyURL:     env.GetEnv("ALIPAY_NOTIFY_URL", ""),
		},
		Wechat: WechatConfig{
			AppID:    env.GetEnv("WECHAT_APP_ID", ""),
			MchID:    env.GetEnv("WECHAT_MCH_ID", ""),
			APIv3Key: env.GetEnv("WECHAT_APIV3_KEY", ""),
			Gateway:  env.GetEnv("WECHAT_GATEWAY_URL", "https://api.mch.weixin.qq.com"),
		},
		Apple: AppleConfig{
			SharedSecret: env.GetEnv("APPLE_SHARED_SECRET", ""),
			VerifyURL:    env.GetEnv("APPLE_VERIFY_URL", "https://buy.itunes.apple.com/verifyReceipt"),
			Sandbox:      parseBool(env.GetEnv("APPLE_SANDBOX", "false")),
		},
		SkipSignatureVerify: env.IsDev() && parseBool(env.GetEnv("SKIP_SIGNATURE_VERIFY", "false")),
	}
}

// IsCN reports whether the CN regional backend is selected.
func (c *Config) IsCN() bool {
	return c.Region == RegionCN
}

func normalizeRegion(region string) string {
	if strings.ToLower(strings.TrimSpace(region)) == RegionCN {
		return RegionCN
	}
	return RegionGlobal
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return false
	}
	return b
}
