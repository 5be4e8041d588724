// Пакет download — сохранение скачанного артефакта в локальный файл.
//
// Паттерн записи: temp файл → запись → fsync → atomic rename.
// Temp файл удаляется на каждом пути выхода с ошибкой, чтобы повторные
// скачивания не накапливали мусор.
package download

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Manager сохраняет бинарные артефакты под предложенным сервером именем.
// Не зависит от того, кто инициировал скачивание — оркестратор или
// действие из строки истории.
type Manager struct {
	dir    string
	logger *slog.Logger
}

// NewManager создаёт менеджер сохранения.
// dir — целевой каталог (создаётся при необходимости).
func NewManager(dir string, logger *slog.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("создание каталога загрузок %s: %w", dir, err)
	}

	return &Manager{
		dir:    dir,
		logger: logger.With(slog.String("component", "download_manager")),
	}, nil
}

// Dir возвращает целевой каталог сохранения.
func (m *Manager) Dir() string {
	return m.dir
}

// Save записывает содержимое r в файл с именем suggestedName внутри
// целевого каталога и возвращает полный путь сохранённого файла.
//
// Имя очищается до базового (компоненты пути отбрасываются); пустое имя
// заменяется сгенерированным. Запись идёт через temp файл с атомарным
// rename; temp файл гарантированно удаляется при ошибке на любом шаге.
func (m *Manager) Save(r io.Reader, suggestedName string) (string, error) {
	name := sanitizeFilename(suggestedName)
	fullPath := filepath.Join(m.dir, name)
	tmpPath := fullPath + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("создание временного файла: %w", err)
	}

	size, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("запись артефакта: %w", err)
	}

	// fsync для гарантии записи на диск
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("fsync артефакта: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("закрытие временного файла: %w", err)
	}

	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("атомарное переименование: %w", err)
	}

	m.logger.Debug("Артефакт сохранён",
		slog.String("path", fullPath),
		slog.Int64("size", size),
	)

	return fullPath, nil
}

// sanitizeFilename приводит предложенное имя к безопасному базовому имени.
// Отбрасывает компоненты пути, скрытые имена и пустые строки.
func sanitizeFilename(name string) string {
	base := filepath.Base(strings.TrimSpace(name))
	if base == "" || base == "." || base == ".." || base == string(filepath.Separator) {
		return fmt.Sprintf("artifact_%s.xlsx", time.Now().Format("2006-01-02_15-04-05"))
	}
	return base
}
