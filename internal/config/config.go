package config

import (
	"log"

	"github.com/spf13/viper"
)

// Config 全局配置结构
// 配置通过构造函数显式注入到各个服务，业务代码不读取任何包级全局变量
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Wagering WageringConfig `mapstructure:"wagering"`
	Business BusinessConfig `mapstructure:"business"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	LedgerEvents string `mapstructure:"ledger_events"`
}

// WageringConfig 流水策略配置
// 金额均为最小货币单位（分），倍数为整数倍
type WageringConfig struct {
	DepositWRMultiplier  int64 `mapstructure:"deposit_wr_multiplier"`   // 充值流水倍数（通常 1）
	BonusWRMultiplier    int64 `mapstructure:"bonus_wr_multiplier"`     // 红利流水倍数（如 30）
	FreeSpinWRMultiplier int64 `mapstructure:"free_spin_wr_multiplier"` // 免费旋转赢取流水倍数
	AvgFreeSpinWinValue  int64 `mapstructure:"avg_free_spin_win_value"` // 免费旋转平均赢取（估值用）
	MinWithdrawal        int64 `mapstructure:"min_withdrawal"`          // 最低提现金额（分）
}

type BusinessConfig struct {
	MaxRetryCount        int `mapstructure:"max_retry_count"`        // 版本冲突重试 / 消息投递最大次数
	OutboxRequeueMinutes int `mapstructure:"outbox_requeue_minutes"` // 失败消息回炉冷却时间（分钟）
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) *Config {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("读取配置文件失败: %v", err)
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		log.Fatalf("解析配置文件失败: %v", err)
	}

	return config
}
