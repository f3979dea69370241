package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	DatabasePath  string
	DataDir       string
	ServerAddress string
	BaseURL       string
	JWTSecret     string

	// ChargePoint account
	CPUsername  string
	CPPassword  string
	CPStationID string

	// Polling and sampling
	PollInterval   time.Duration
	SampleInterval time.Duration
	SampleWindow   time.Duration
	SampleTimeout  time.Duration

	// Optional MQTT event publishing
	MQTTBroker      string
	MQTTTopicPrefix string
	MQTTUsername    string
	MQTTPassword    string

	// Optional local Modbus meter as the sample source
	ModbusAddress  string
	ModbusUnitID   int
	ModbusRegister int
}

func Load() *Config {
	return &Config{
		DatabasePath:  getEnv("DATABASE_PATH", "./chargetrack.db"),
		DataDir:       getEnv("DATA_DIR", "./data"),
		ServerAddress: getEnv("SERVER_ADDRESS", ":8082"),
		BaseURL:       getEnv("BASE_URL", "http://localhost:8082"),
		JWTSecret:     getEnv("JWT_SECRET", "chargetrack-secret-change-in-production"),

		CPUsername:  getEnv("CP_USERNAME", ""),
		CPPassword:  getEnv("CP_PASSWORD", ""),
		CPStationID: getEnv("CP_STATION_ID", ""),

		PollInterval:   getDuration("POLL_INTERVAL", 60*time.Second),
		SampleInterval: getDuration("SAMPLE_INTERVAL", 10*time.Second),
		SampleWindow:   getDuration("SAMPLE_WINDOW", 5*time.Minute),
		SampleTimeout:  getDuration("SAMPLE_TIMEOUT", 6*time.Minute),

		MQTTBroker:      getEnv("MQTT_BROKER", ""),
		MQTTTopicPrefix: getEnv("MQTT_TOPIC_PREFIX", "chargetrack"),
		MQTTUsername:    getEnv("MQTT_USERNAME", ""),
		MQTTPassword:    getEnv("MQTT_PASSWORD", ""),

		ModbusAddress:  getEnv("MODBUS_ADDRESS", ""),
		ModbusUnitID:   getInt("MODBUS_UNIT_ID", 1),
		ModbusRegister: getInt("MODBUS_REGISTER", 0),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
