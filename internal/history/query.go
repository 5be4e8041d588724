// Пакет history — просмотр истории обработки файлов.
// Query хранит состояние представления (страница, поиск, сортировка),
// выполняет пагинированные запросы к серверу и гарантирует,
// что устаревший ответ никогда не перезапишет более новый.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/plantproc/client-module/internal/domain/model"
	"github.com/plantproc/client-module/internal/gateway"
)

// Prometheus-метрики истории.
var (
	historyRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pc_history_requests_total",
		Help: "Общее количество запросов пагинированной истории.",
	})
	historyStaleTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pc_history_stale_responses_total",
		Help: "Количество ответов истории, отброшенных как устаревшие.",
	})
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pc_history_cache_hits_total",
		Help: "Общее количество попаданий в LRU-кэш записей истории.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pc_history_cache_misses_total",
		Help: "Общее количество промахов LRU-кэша записей истории.",
	})
)

// ErrSuperseded возвращается, когда ответ сервера пришёл после того,
// как был отправлен более новый запрос. Результат отброшен.
var ErrSuperseded = errors.New("ответ отброшен: выполнен более новый запрос")

// Допустимые колонки сортировки (whitelist сервера).
const (
	SortByCreatedAt = "created_at"
	SortByFilename  = "filename"
	SortByStatus    = "status"
	SortByRows      = "rows_processed"

	OrderAsc  = "asc"
	OrderDesc = "desc"
)

// PageRequest — параметры пагинированного запроса истории.
type PageRequest struct {
	Page      int
	PageSize  int
	Search    string
	SortBy    string
	SortOrder string
}

// PageResponse — одна страница истории обработки.
type PageResponse struct {
	Items      []model.ProcessingRecord
	TotalItems int
	TotalPages int
	Page       int
	PageSize   int
}

// pageWire — формат ответа сервера GET /history/paginated.
type pageWire struct {
	Items []model.ProcessingRecord `json:"items"`
	Total int                      `json:"total"`
	Page  int                      `json:"page"`
	Size  int                      `json:"size"`
	Pages int                      `json:"pages"`
}

// Query — состояние представления истории и клиент пагинированных запросов.
// Потокобезопасен. Каждый Refresh увеличивает поколение запроса:
// применяется только ответ последнего поколения, предыдущий
// in-flight запрос отменяется через context.
type Query struct {
	gw     *gateway.Client
	logger *slog.Logger
	cache  *expirable.LRU[string, *model.ProcessingRecord]

	mu         sync.Mutex
	req        PageRequest
	last       *PageResponse
	generation uint64
	cancel     context.CancelFunc
}

// New создаёт Query с размером страницы по умолчанию и LRU-кэшем записей.
// cacheSize — максимальное количество записей в кэше, cacheTTL — их время жизни.
func New(gw *gateway.Client, pageSize, cacheSize int, cacheTTL time.Duration, logger *slog.Logger) *Query {
	if pageSize < 1 || pageSize > 100 {
		pageSize = 10
	}
	return &Query{
		gw:     gw,
		logger: logger.With(slog.String("component", "history")),
		cache:  expirable.NewLRU[string, *model.ProcessingRecord](cacheSize, nil, cacheTTL),
		req: PageRequest{
			Page:      1,
			PageSize:  pageSize,
			SortBy:    SortByCreatedAt,
			SortOrder: OrderDesc,
		},
	}
}

// State возвращает текущие параметры представления.
func (q *Query) State() PageRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.req
}

// Last возвращает последнюю применённую страницу или nil.
func (q *Query) Last() *PageResponse {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.last
}

// Refresh повторно запрашивает текущую страницу с текущими параметрами.
// Если во время запроса был отправлен более новый, возвращает ErrSuperseded.
func (q *Query) Refresh(ctx context.Context) (*PageResponse, error) {
	q.mu.Lock()
	req := q.req
	q.mu.Unlock()
	return q.run(ctx, req)
}

// SetPage переходит на указанную страницу. Значения меньше 1 приводятся к 1.
func (q *Query) SetPage(ctx context.Context, page int) (*PageResponse, error) {
	if page < 1 {
		page = 1
	}
	q.mu.Lock()
	req := q.req
	req.Page = page
	q.mu.Unlock()
	return q.run(ctx, req)
}

// SetPageSize меняет размер страницы и сбрасывает представление на первую страницу.
func (q *Query) SetPageSize(ctx context.Context, size int) (*PageResponse, error) {
	if size < 1 || size > 100 {
		size = 10
	}
	q.mu.Lock()
	req := q.req
	req.PageSize = size
	req.Page = 1
	q.mu.Unlock()
	return q.run(ctx, req)
}

// SetSearch меняет поисковую строку и сбрасывает представление на первую страницу.
func (q *Query) SetSearch(ctx context.Context, search string) (*PageResponse, error) {
	q.mu.Lock()
	req := q.req
	req.Search = search
	req.Page = 1
	q.mu.Unlock()
	return q.run(ctx, req)
}

// SetSort сортирует по указанной колонке и сбрасывает представление
// на первую страницу. Повторный выбор той же колонки переключает
// направление asc-desc, новая колонка всегда начинает с asc.
func (q *Query) SetSort(ctx context.Context, column string) (*PageResponse, error) {
	q.mu.Lock()
	req := q.req
	if req.SortBy == column {
		if req.SortOrder == OrderAsc {
			req.SortOrder = OrderDesc
		} else {
			req.SortOrder = OrderAsc
		}
	} else {
		req.SortBy = column
		req.SortOrder = OrderAsc
	}
	req.Page = 1
	q.mu.Unlock()
	return q.run(ctx, req)
}

// run выполняет запрос страницы с контролем поколений.
// Если запрошенная страница оказалась за последней (пустые items при
// непустой истории), однократно повторяет запрос для последней страницы.
func (q *Query) run(ctx context.Context, req PageRequest) (*PageResponse, error) {
	q.mu.Lock()
	if q.cancel != nil {
		q.cancel()
	}
	fetchCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.generation++
	gen := q.generation
	q.mu.Unlock()

	defer cancel()

	resp, err := FetchPage(fetchCtx, q.gw, req)
	if err == nil && len(resp.Items) == 0 && resp.TotalPages > 0 && resp.Page > resp.TotalPages {
		req.Page = resp.TotalPages
		resp, err = FetchPage(fetchCtx, q.gw, req)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if gen != q.generation {
		historyStaleTotal.Inc()
		q.logger.Debug("Ответ истории отброшен как устаревший",
			slog.Uint64("generation", gen),
			slog.Uint64("latest", q.generation))
		return nil, ErrSuperseded
	}
	q.cancel = nil
	if err != nil {
		return nil, err
	}

	q.req = req
	q.req.Page = resp.Page
	q.last = resp
	for i := range resp.Items {
		rec := resp.Items[i]
		q.cache.Add(rec.ID, &rec)
	}
	return resp, nil
}

// FetchPage выполняет одиночный пагинированный запрос без изменения
// состояния представления.
func FetchPage(ctx context.Context, gw *gateway.Client, req PageRequest) (*PageResponse, error) {
	historyRequestsTotal.Inc()

	v := url.Values{}
	v.Set("page", strconv.Itoa(req.Page))
	v.Set("size", strconv.Itoa(req.PageSize))
	v.Set("sort_by", req.SortBy)
	v.Set("sort_order", req.SortOrder)
	if req.Search != "" {
		v.Set("search", req.Search)
	}

	var wire pageWire
	if err := gw.GetJSON(ctx, "/history/paginated?"+v.Encode(), &wire); err != nil {
		return nil, fmt.Errorf("ошибка запроса истории: %w", err)
	}

	return &PageResponse{
		Items:      wire.Items,
		TotalItems: wire.Total,
		TotalPages: wire.Pages,
		Page:       wire.Page,
		PageSize:   wire.Size,
	}, nil
}

// All возвращает всю историю без пагинации (GET /history).
func (q *Query) All(ctx context.Context) ([]model.ProcessingRecord, error) {
	var records []model.ProcessingRecord
	if err := q.gw.GetJSON(ctx, "/history", &records); err != nil {
		return nil, fmt.Errorf("ошибка запроса истории: %w", err)
	}
	for i := range records {
		rec := records[i]
		q.cache.Add(rec.ID, &rec)
	}
	return records, nil
}

// Record возвращает запись из LRU-кэша по идентификатору.
func (q *Query) Record(id string) (*model.ProcessingRecord, bool) {
	rec, ok := q.cache.Get(id)
	if ok {
		cacheHitsTotal.Inc()
		return rec, true
	}
	cacheMissesTotal.Inc()
	return nil, false
}

// ArtifactFilename возвращает имя файла артефакта для скачивания из истории.
// Если запись отсутствует в кэше или не содержит имени обработанного файла,
// возвращается синтетическое имя по идентификатору.
func (q *Query) ArtifactFilename(id string) string {
	if rec, ok := q.Record(id); ok && rec.ProcessedFilename != "" {
		return rec.ProcessedFilename
	}
	return fmt.Sprintf("processed_%s.xlsx", id)
}
