package config

import (
	"log"
	"time"

	"github.com/LingByte/LingMeet/pkg/constants"
	"github.com/LingByte/LingMeet/pkg/logger"
	"github.com/LingByte/LingMeet/pkg/utils"
)

// StoreConfig holds document-store configuration
type StoreConfig struct {
	Driver        string        `json:"driver"` // memory | redis
	RedisAddr     string        `json:"redis_addr"`
	RedisPassword string        `json:"redis_password"`
	RedisDB       int           `json:"redis_db"`
	RetryMax      int           `json:"retry_max"`
	RetryBaseWait time.Duration `json:"retry_base_wait"`
}

// RTCConfig holds peer connection configuration
type RTCConfig struct {
	StunServers []string      `json:"stun_servers"`
	ICETimeout  time.Duration `json:"ice_timeout"`
}

// MeetingConfig holds join defaults for the local participant
type MeetingConfig struct {
	DisplayName   string `json:"display_name"`
	MicEnabled    bool   `json:"mic_enabled"`
	WebcamEnabled bool   `json:"webcam_enabled"`
}

var GlobalConfig *Config

// Config System common config
type Config struct {
	Log     logger.LogConfig
	Store   StoreConfig
	RTC     RTCConfig
	Meeting MeetingConfig
	Mode    string `env:"MODE"`
}

func Load() error {
	// 1. 根据环境加载 .env 文件（如果不存在也不报错，使用默认值）
	mode := utils.GetStringOrDefault(constants.ENV_MODE, "development")
	err := utils.LoadEnv(mode)
	if err != nil {
		log.Printf("Note: .env file not found or failed to load: %v (using default values)", err)
	}
	// 2. 加载全局配置（所有配置都有默认值，确保无.env文件也能启动）
	GlobalConfig = &Config{
		Log: logger.LogConfig{
			Level:      utils.GetStringOrDefault("LOG_LEVEL", "info"),
			Filename:   utils.GetStringOrDefault("LOG_FILENAME", "./logs/meet.log"),
			MaxSize:    utils.GetIntOrDefault("LOG_MAX_SIZE", 100),
			MaxAge:     utils.GetIntOrDefault("LOG_MAX_AGE", 30),
			MaxBackups: utils.GetIntOrDefault("LOG_MAX_BACKUPS", 5),
			Daily:      utils.GetBoolOrDefault("LOG_DAILY", true),
		},
		Store: StoreConfig{
			Driver:        utils.GetStringOrDefault(constants.ENV_STORE_DRIVER, "memory"),
			RedisAddr:     utils.GetStringOrDefault(constants.ENV_REDIS_ADDR, "127.0.0.1:6379"),
			RedisPassword: utils.GetStringOrDefault(constants.ENV_REDIS_PASSWORD, ""),
			RedisDB:       utils.GetIntOrDefault(constants.ENV_REDIS_DB, 0),
			RetryMax:      utils.GetIntOrDefault(constants.ENV_RETRY_MAX, constants.DefaultRetryMax),
			RetryBaseWait: time.Duration(utils.GetIntOrDefault(constants.ENV_RETRY_BASE_MS, 200)) * time.Millisecond,
		},
		RTC: RTCConfig{
			StunServers: utils.GetStringSliceOrDefault(constants.ENV_STUN_SERVERS, constants.DefaultStunServers),
			ICETimeout:  time.Duration(utils.GetIntOrDefault(constants.ENV_ICE_TIMEOUT_SEC, 10)) * time.Second,
		},
		Meeting: MeetingConfig{
			DisplayName:   utils.GetStringOrDefault(constants.ENV_DISPLAY_NAME, "Guest"),
			MicEnabled:    utils.GetBoolOrDefault(constants.ENV_DEFAULT_MIC_ON, true),
			WebcamEnabled: utils.GetBoolOrDefault(constants.ENV_DEFAULT_CAM_ON, true),
		},
		Mode: mode,
	}
	return nil
}
