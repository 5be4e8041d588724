// Пакет config — загрузка и валидация конфигурации клиента
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// DefaultMaxUploadSize — предел размера загружаемого файла (10 MiB).
const DefaultMaxUploadSize = 10 * 1024 * 1024

// Config содержит все параметры конфигурации клиента.
type Config struct {
	// --- Сервис обработки ---

	// Базовый URL сервиса обработки (без trailing slash)
	BaseURL string
	// Таймаут HTTP-запросов
	Timeout time.Duration
	// Путь к CA-сертификату для TLS-соединений с сервисом (опционально)
	CACertPath string

	// --- Клиентское состояние ---

	// Путь к файлу с сохранённым токеном сессии
	TokenFile string
	// Каталог для сохранения скачанных артефактов
	DownloadDir string
	// Предел размера загружаемого файла в байтах
	MaxUploadSize int64

	// --- История ---

	// Размер страницы истории по умолчанию
	PageSize int
	// Максимальное количество записей в кэше истории
	CacheSize int
	// Время жизни записи в кэше истории
	CacheTTL time.Duration

	// --- Логирование ---

	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string
}

// Load загружает конфигурацию из переменных окружения, валидирует
// значения и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервис обработки ---

	// PC_BASE_URL — базовый URL сервиса (по умолчанию http://localhost:8000)
	cfg.BaseURL = getEnvDefault("PC_BASE_URL", "http://localhost:8000")
	// Убираем trailing slash
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	// PC_TIMEOUT — таймаут HTTP-запросов (по умолчанию 30s)
	cfg.Timeout, err = getEnvDuration("PC_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("PC_TIMEOUT: %w", err)
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("PC_TIMEOUT: значение должно быть положительным, получено %s", cfg.Timeout)
	}

	// PC_CA_CERT_PATH — путь к CA-сертификату (опционально)
	cfg.CACertPath = getEnvDefault("PC_CA_CERT_PATH", "")

	// --- Клиентское состояние ---

	// PC_TOKEN_FILE — путь к файлу токена (по умолчанию ~/.plantproc/token)
	cfg.TokenFile = getEnvDefault("PC_TOKEN_FILE", "")
	if cfg.TokenFile == "" {
		home, homeErr := os.UserHomeDir()
		if homeErr != nil {
			return nil, fmt.Errorf("PC_TOKEN_FILE не задан и домашний каталог недоступен: %w", homeErr)
		}
		cfg.TokenFile = filepath.Join(home, ".plantproc", "token")
	}

	// PC_DOWNLOAD_DIR — каталог для скачанных файлов (по умолчанию текущий)
	cfg.DownloadDir = getEnvDefault("PC_DOWNLOAD_DIR", ".")

	// PC_MAX_UPLOAD_SIZE — предел размера файла в байтах (по умолчанию 10 MiB)
	maxUpload, err := getEnvInt("PC_MAX_UPLOAD_SIZE", DefaultMaxUploadSize)
	if err != nil {
		return nil, fmt.Errorf("PC_MAX_UPLOAD_SIZE: %w", err)
	}
	if maxUpload < 1 {
		return nil, fmt.Errorf("PC_MAX_UPLOAD_SIZE: значение %d должно быть не меньше 1", maxUpload)
	}
	cfg.MaxUploadSize = int64(maxUpload)

	// --- История ---

	// PC_PAGE_SIZE — размер страницы истории (по умолчанию 10)
	cfg.PageSize, err = getEnvInt("PC_PAGE_SIZE", 10)
	if err != nil {
		return nil, fmt.Errorf("PC_PAGE_SIZE: %w", err)
	}
	if cfg.PageSize < 1 || cfg.PageSize > 100 {
		return nil, fmt.Errorf("PC_PAGE_SIZE: значение %d вне допустимого диапазона 1-100", cfg.PageSize)
	}

	// PC_CACHE_SIZE — размер LRU-кэша записей истории (по умолчанию 512)
	cfg.CacheSize, err = getEnvInt("PC_CACHE_SIZE", 512)
	if err != nil {
		return nil, fmt.Errorf("PC_CACHE_SIZE: %w", err)
	}
	if cfg.CacheSize < 1 {
		return nil, fmt.Errorf("PC_CACHE_SIZE: значение %d должно быть не меньше 1", cfg.CacheSize)
	}

	// PC_CACHE_TTL — время жизни записи в кэше (по умолчанию 5m)
	cfg.CacheTTL, err = getEnvDuration("PC_CACHE_TTL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("PC_CACHE_TTL: %w", err)
	}

	// --- Логирование ---

	// PC_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("PC_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("PC_LOG_LEVEL: %w", err)
	}

	// PC_LOG_FORMAT — формат логов (по умолчанию text: клиент пишет в терминал)
	cfg.LogFormat = getEnvDefault("PC_LOG_FORMAT", "text")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("PC_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	return cfg, nil
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
// Логи пишутся в stderr: stdout зарезервирован под вывод команд.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
