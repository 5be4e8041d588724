// Точка входа procmock — мок сервиса обработки Excel-файлов.
// Используется для локальной разработки и ручной проверки CLI
// без реального бэкенда.
package main

import (
	"log/slog"
	"os"

	"github.com/plantproc/client-module/internal/procmock"
	"github.com/plantproc/client-module/internal/server"
)

func main() {
	addr := getEnvDefault("PC_MOCK_ADDR", ":8000")
	cfg := procmock.Config{
		Username:   getEnvDefault("PC_MOCK_USERNAME", "admin"),
		Password:   getEnvDefault("PC_MOCK_PASSWORD", "admin"),
		SigningKey: []byte(os.Getenv("PC_MOCK_SIGNING_KEY")),
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	mock := procmock.NewServer(cfg, logger)

	logger.Info("Мок-сервер запускается",
		slog.String("addr", addr),
		slog.String("username", cfg.Username),
	)

	srv := server.New(addr, mock.Router(), logger)
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// getEnvDefault возвращает значение переменной окружения или default.
func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
