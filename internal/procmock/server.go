// Пакет procmock — мок сервиса обработки Excel-файлов для интеграционных
// тестов и локальной разработки CLI.
//
// Повторяет контракт реального сервера: аутентификация по логину/паролю
// с выдачей JWT (HS256), загрузка файла на обработку, скачивание
// артефакта, история с пагинацией, поиском и сортировкой.
// Все данные хранятся в памяти.
package procmock

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/plantproc/client-module/internal/domain/model"
)

// TokenTTL — время жизни выдаваемого JWT.
const TokenTTL = 30 * time.Minute

// Допустимые колонки сортировки истории.
var sortWhitelist = map[string]bool{
	"created_at":     true,
	"filename":       true,
	"status":         true,
	"rows_processed": true,
}

// Config — параметры мок-сервера.
type Config struct {
	// Username и Password — единственная учётная запись
	Username string
	Password string
	// SigningKey — секрет HS256 для подписи JWT
	SigningKey []byte
}

// entry — запись обработки вместе с байтами артефакта.
type entry struct {
	record   model.ProcessingRecord
	artifact []byte
}

// Server — мок сервиса обработки.
type Server struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
	order   []string // ID в порядке создания
}

// NewServer создаёт мок-сервер с пустой историей.
func NewServer(cfg Config, logger *slog.Logger) *Server {
	if cfg.Username == "" {
		cfg.Username = "admin"
	}
	if cfg.Password == "" {
		cfg.Password = "admin"
	}
	if len(cfg.SigningKey) == 0 {
		cfg.SigningKey = []byte("procmock-dev-secret")
	}
	return &Server{
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "procmock")),
		entries: make(map[string]*entry),
	}
}

// Router собирает chi-маршрутизатор мок-сервера.
// /health и /metrics доступны без токена, остальные маршруты защищены.
func (s *Server) Router() http.Handler {
	router := chi.NewRouter()
	router.Use(metricsMiddleware())

	router.Get("/health", s.handleHealth)
	router.Handle("/metrics", promhttp.Handler())
	router.Post("/auth/login", s.handleLogin)

	router.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/upload-process", s.handleUpload)
		r.Get("/download/{id}", s.handleDownload)
		r.Get("/history", s.handleHistory)
		r.Get("/history/paginated", s.handleHistoryPaginated)
	})

	return router
}

// writeDetail пишет ошибку в формате {"detail": "..."}.
func (s *Server) writeDetail(w http.ResponseWriter, code int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}

// writeJSON пишет успешный JSON-ответ.
func (s *Server) writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleLogin проверяет учётные данные и выдаёт JWT (HS256, sub + exp).
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		s.writeDetail(w, http.StatusBadRequest, "Некорректное тело запроса")
		return
	}
	if creds.Username != s.cfg.Username || creds.Password != s.cfg.Password {
		s.writeDetail(w, http.StatusUnauthorized, "Неверное имя пользователя или пароль")
		return
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   creds.Username,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(TokenTTL)),
	})
	signed, err := token.SignedString(s.cfg.SigningKey)
	if err != nil {
		s.writeDetail(w, http.StatusInternalServerError, "Ошибка подписи токена")
		return
	}

	s.logger.Info("Выдан токен", slog.String("sub", creds.Username))
	s.writeJSON(w, http.StatusOK, map[string]string{
		"access_token": signed,
		"token_type":   "bearer",
	})
}

// authMiddleware проверяет Bearer-токен: подпись HS256 и срок действия.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw, found := strings.CutPrefix(header, "Bearer ")
		if !found || raw == "" {
			s.writeDetail(w, http.StatusUnauthorized, "Требуется аутентификация")
			return
		}

		_, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("неожиданный метод подписи: %v", t.Header["alg"])
			}
			return s.cfg.SigningKey, nil
		})
		if err != nil {
			s.writeDetail(w, http.StatusUnauthorized, "Недействительный или просроченный токен")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleUpload принимает multipart-файл, синтезирует результат обработки
// и сохраняет запись с артефактом в памяти.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeDetail(w, http.StatusBadRequest, "Файл не передан")
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if ext != ".xlsx" && ext != ".xls" {
		s.writeDetail(w, http.StatusBadRequest, "Неверный формат файла. Допустимы только .xlsx и .xls")
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		s.writeDetail(w, http.StatusInternalServerError, "Ошибка чтения файла")
		return
	}

	// Детерминированный синтез: строк столько, сколько переводов строки + 1
	rows := bytes.Count(data, []byte("\n")) + 1
	size := int64(len(data))
	elapsed := 0.05

	id := uuid.NewString()
	processedName := "processed_" + filepath.Base(header.Filename)
	record := model.ProcessingRecord{
		ID:                id,
		Filename:          processedName,
		OriginalFilename:  header.Filename,
		ProcessedFilename: processedName,
		RowsProcessed:     rows,
		RecordsProcessed:  &rows,
		ProcessingTime:    &elapsed,
		FileSize:          &size,
		CreatedAt:         time.Now().UTC(),
		Status:            model.StatusCompleted,
	}

	// Артефакт — исходные байты с меткой обработки
	artifact := append([]byte("PROCESSED\n"), data...)

	s.mu.Lock()
	s.entries[id] = &entry{record: record, artifact: artifact}
	s.order = append(s.order, id)
	s.mu.Unlock()

	s.logger.Info("Файл обработан",
		slog.String("id", id),
		slog.String("filename", header.Filename),
		slog.Int("rows_processed", rows))

	s.writeJSON(w, http.StatusOK, model.ProcessResult{
		ID:                id,
		Filename:          processedName,
		OriginalFilename:  header.Filename,
		ProcessedFilename: processedName,
		RowsProcessed:     rows,
		RecordsProcessed:  &rows,
		ProcessingTime:    &elapsed,
		CreatedAt:         record.CreatedAt,
		Status:            model.StatusCompleted,
	})
}

// handleDownload отдаёт артефакт по идентификатору обработки.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		s.writeDetail(w, http.StatusNotFound, "Файл не найден")
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", e.record.ProcessedFilename))
	_, _ = w.Write(e.artifact)
}

// handleHistory возвращает всю историю, новые записи первыми.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	records := make([]model.ProcessingRecord, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		records = append(records, s.entries[s.order[i]].record)
	}
	s.mu.RUnlock()

	s.writeJSON(w, http.StatusOK, records)
}

// handleHistoryPaginated возвращает страницу истории.
//
// Недопустимые параметры не отклоняются, а приводятся к значениям
// по умолчанию: page < 1 → 1, size вне [1, 100] → 10,
// sort_by вне whitelist → created_at, sort_order вне {asc, desc} → desc.
// Поиск — подстрока без учёта регистра по имени файла и статусу.
func (s *Server) handleHistoryPaginated(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	page, err := strconv.Atoi(q.Get("page"))
	if err != nil || page < 1 {
		page = 1
	}
	size, err := strconv.Atoi(q.Get("size"))
	if err != nil || size < 1 || size > 100 {
		size = 10
	}
	sortBy := q.Get("sort_by")
	if !sortWhitelist[sortBy] {
		sortBy = "created_at"
	}
	sortOrder := q.Get("sort_order")
	if sortOrder != "asc" && sortOrder != "desc" {
		sortOrder = "desc"
	}
	search := strings.ToLower(q.Get("search"))

	s.mu.RLock()
	filtered := make([]model.ProcessingRecord, 0, len(s.order))
	for _, id := range s.order {
		rec := s.entries[id].record
		if search != "" &&
			!strings.Contains(strings.ToLower(rec.Filename), search) &&
			!strings.Contains(strings.ToLower(rec.Status), search) {
			continue
		}
		filtered = append(filtered, rec)
	}
	s.mu.RUnlock()

	sortRecords(filtered, sortBy, sortOrder)

	total := len(filtered)
	pages := (total + size - 1) / size
	start := (page - 1) * size
	end := start + size
	if start > total {
		start = total
	}
	if end > total {
		end = total
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"items": filtered[start:end],
		"total": total,
		"page":  page,
		"size":  size,
		"pages": pages,
	})
}

// sortRecords сортирует записи по указанной колонке и направлению.
func sortRecords(records []model.ProcessingRecord, sortBy, sortOrder string) {
	less := func(a, b model.ProcessingRecord) bool {
		switch sortBy {
		case "filename":
			return a.Filename < b.Filename
		case "status":
			return a.Status < b.Status
		case "rows_processed":
			return a.RowsProcessed < b.RowsProcessed
		default:
			return a.CreatedAt.Before(b.CreatedAt)
		}
	}
	sort.SliceStable(records, func(i, j int) bool {
		if sortOrder == "desc" {
			return less(records[j], records[i])
		}
		return less(records[i], records[j])
	})
}

// Seed добавляет готовую запись в историю (для тестов).
func (s *Server) Seed(record model.ProcessingRecord, artifact []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[record.ID] = &entry{record: record, artifact: artifact}
	s.order = append(s.order, record.ID)
}
