package main

import (
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Config é a configuração do serviço de ciclo de vida das assinaturas
type Config struct {
	Port           string
	CronSecret     string
	SweepInterval  time.Duration
	ReminderWindow time.Duration
}

// LoadConfig carrega o .env (se existir) e lê o ambiente
func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("⚠️ [CONFIG] could not load .env: %v", err)
	}

	return &Config{
		Port:           getEnv("PORT", "8082"),
		CronSecret:     getEnv("CRON_SECRET", ""),
		SweepInterval:  getEnvDuration("SWEEP_INTERVAL", 5*time.Minute),
		ReminderWindow: getEnvDuration("REMINDER_WINDOW", 72*time.Hour),
	}
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvDuration aceita "0" para desligar o recurso
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if value == "0" {
		return 0
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("⚠️ [CONFIG] invalid %s=%q, using %s", key, value, defaultValue)
		return defaultValue
	}
	return d
}
