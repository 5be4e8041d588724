// Пакет model — доменные модели клиента сервиса обработки Excel-файлов.
package model

import "time"

// Статусы записи обработки. После перехода в терминальный статус
// (completed, failed) запись на сервере неизменяема.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// ProcessingRecord — одна строка истории обработки.
// Создаётся сервером, клиент её только читает.
type ProcessingRecord struct {
	// ID — UUID обработки (присваивается сервером)
	ID string `json:"id"`
	// Filename — каноническое имя результирующего файла
	Filename string `json:"filename"`
	// OriginalFilename — имя загруженного файла
	OriginalFilename string `json:"original_filename"`
	// ProcessedFilename — имя обработанного файла (совпадает с Filename)
	ProcessedFilename string `json:"processed_filename"`
	// RowsProcessed — количество обработанных строк
	RowsProcessed int `json:"rows_processed"`
	// RecordsProcessed — количество обработанных записей (опционально)
	RecordsProcessed *int `json:"records_processed,omitempty"`
	// ProcessingTime — длительность обработки в секундах (опционально)
	ProcessingTime *float64 `json:"processing_time,omitempty"`
	// FileSize — размер исходного файла в байтах (опционально)
	FileSize *int64 `json:"file_size,omitempty"`
	// CreatedAt — время создания записи
	CreatedAt time.Time `json:"created_at"`
	// Status — статус обработки (processing, completed, failed)
	Status string `json:"status"`
}

// ProcessResult — ответ сервера на POST /upload-process.
// Обработка синхронна: один запрос, один ответ с подтверждением и метаданными.
type ProcessResult struct {
	// ID — UUID обработки
	ID string `json:"id"`
	// Filename — имя результирующего файла (для скачивания артефакта)
	Filename string `json:"filename"`
	// OriginalFilename — имя загруженного файла
	OriginalFilename string `json:"original_filename"`
	// ProcessedFilename — имя обработанного файла
	ProcessedFilename string `json:"processed_filename"`
	// RowsProcessed — количество обработанных строк
	RowsProcessed int `json:"rows_processed"`
	// Message — сообщение сервера (опционально)
	Message string `json:"message,omitempty"`
	// ProcessingTime — длительность обработки в секундах (опционально)
	ProcessingTime *float64 `json:"processing_time,omitempty"`
	// RecordsProcessed — количество обработанных записей (опционально)
	RecordsProcessed *int `json:"records_processed,omitempty"`
	// CreatedAt — время создания записи
	CreatedAt time.Time `json:"created_at"`
	// Status — статус обработки
	Status string `json:"status"`
}

// IsTerminal сообщает, достигла ли запись терминального статуса.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}
