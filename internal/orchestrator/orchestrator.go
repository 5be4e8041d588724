// Пакет orchestrator — конечный автомат цикла обработки файла.
//
// Жизненный цикл одного запуска:
//
//	idle → uploading → awaiting_artifact → downloading → completed
//
// Любой этап до получения артефакта может завершиться в failed.
// Ошибка скачивания артефакта НЕ переводит цикл в failed: обработка
// на сервере уже завершена, файл доступен в истории (частичный успех).
//
// Потокобезопасен через sync.Mutex; одновременно выполняется
// не более одного цикла обработки.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/plantproc/client-module/internal/apierrors"
	"github.com/plantproc/client-module/internal/domain/model"
	"github.com/plantproc/client-module/internal/download"
	"github.com/plantproc/client-module/internal/gateway"
)

// Prometheus-метрики цикла обработки.
var (
	uploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pc_uploads_total",
		Help: "Общее количество циклов обработки по итоговому статусу.",
	}, []string{"status"})
	processingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pc_processing_duration_seconds",
		Help:    "Длительность полного цикла обработки файла.",
		Buckets: prometheus.DefBuckets,
	})
	rowsProcessedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pc_rows_processed_total",
		Help: "Суммарное количество обработанных строк.",
	})
)

// State — этап цикла обработки.
type State string

const (
	StateIdle             State = "idle"
	StateUploading        State = "uploading"
	StateAwaitingArtifact State = "awaiting_artifact"
	StateDownloading      State = "downloading"
	StateCompleted        State = "completed"
	StateFailed           State = "failed"
)

// validTransitions — матрица допустимых переходов.
// Ключ — текущий этап, значение — набор допустимых целевых этапов.
var validTransitions = map[State]map[State]bool{
	StateIdle:             {StateUploading: true},
	StateUploading:        {StateAwaitingArtifact: true, StateFailed: true},
	StateAwaitingArtifact: {StateDownloading: true, StateFailed: true},
	StateDownloading:      {StateCompleted: true, StateFailed: true},
	StateCompleted:        {StateUploading: true},
	StateFailed:           {StateUploading: true},
}

// ErrBusy возвращается при попытке запустить новый цикл,
// пока предыдущий ещё выполняется.
var ErrBusy = errors.New("обработка уже выполняется, дождитесь завершения")

// MaxUploadSize по умолчанию — 10 МБ.
const DefaultMaxUploadSize = 10 * 1024 * 1024

// SelectedFile — файл, выбранный пользователем для обработки.
type SelectedFile struct {
	Name   string
	Size   int64
	Reader io.Reader
}

// Orchestrator управляет полным циклом обработки: загрузка исходного
// файла, ожидание результата, скачивание артефакта.
type Orchestrator struct {
	gw            *gateway.Client
	downloads     *download.Manager
	maxUploadSize int64
	logger        *slog.Logger
	onComplete    func()

	mu     sync.Mutex
	state  State
	result *model.ProcessResult
	runErr error
}

// New создаёт Orchestrator в состоянии idle.
// onComplete вызывается после каждого завершённого цикла
// (completed или failed), например для обновления истории. Может быть nil.
func New(gw *gateway.Client, downloads *download.Manager, maxUploadSize int64, logger *slog.Logger, onComplete func()) *Orchestrator {
	if maxUploadSize <= 0 {
		maxUploadSize = DefaultMaxUploadSize
	}
	return &Orchestrator{
		gw:            gw,
		downloads:     downloads,
		maxUploadSize: maxUploadSize,
		logger:        logger.With(slog.String("component", "orchestrator")),
		onComplete:    onComplete,
		state:         StateIdle,
	}
}

// State возвращает текущий этап цикла.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Result возвращает результат и ошибку последнего завершённого цикла.
func (o *Orchestrator) Result() (*model.ProcessResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.result, o.runErr
}

// Validate проверяет выбранный файл без обращения к серверу.
// Допустимы только файлы Excel (.xlsx, .xls) не больше предельного размера.
func (o *Orchestrator) Validate(file SelectedFile) error {
	if file.Name == "" || file.Reader == nil {
		return apierrors.NewValidation("файл не выбран")
	}
	ext := strings.ToLower(filepath.Ext(file.Name))
	if ext != ".xlsx" && ext != ".xls" {
		return apierrors.NewValidation("выберите файл Excel (.xlsx или .xls)")
	}
	if file.Size > o.maxUploadSize {
		return apierrors.NewValidation("файл слишком большой: максимум %d МБ", o.maxUploadSize/(1024*1024))
	}
	return nil
}

// Run выполняет полный цикл обработки выбранного файла.
//
// Ошибки:
//   - ValidationError — файл отклонён до обращения к серверу, этап не меняется
//   - ErrBusy — предыдущий цикл ещё не завершён
//   - TransportError/ServerError — цикл завершился в failed
//   - PartialSuccessError — обработка успешна, но артефакт не скачан;
//     цикл завершился в completed, результат доступен через Result
//
// При успехе возвращает результат обработки и путь сохранённого артефакта.
func (o *Orchestrator) Run(ctx context.Context, file SelectedFile) (*model.ProcessResult, string, error) {
	if err := o.Validate(file); err != nil {
		return nil, "", err
	}

	o.mu.Lock()
	if err := o.transitionLocked(StateUploading); err != nil {
		o.mu.Unlock()
		return nil, "", ErrBusy
	}
	o.result = nil
	o.runErr = nil
	o.mu.Unlock()

	started := time.Now()
	result, path, err := o.process(ctx, file)

	o.mu.Lock()
	o.result = result
	o.runErr = err
	o.mu.Unlock()

	processingDuration.Observe(time.Since(started).Seconds())
	switch {
	case err == nil:
		uploadsTotal.WithLabelValues("completed").Inc()
	case apierrors.IsPartialSuccess(err):
		uploadsTotal.WithLabelValues("partial").Inc()
	default:
		uploadsTotal.WithLabelValues("failed").Inc()
	}
	if result != nil {
		rowsProcessedTotal.Add(float64(result.RowsProcessed))
	}

	if o.onComplete != nil {
		o.onComplete()
	}
	return result, path, err
}

// process выполняет этапы цикла. Возвращает результат обработки,
// путь сохранённого артефакта и ошибку.
func (o *Orchestrator) process(ctx context.Context, file SelectedFile) (*model.ProcessResult, string, error) {
	o.logger.Info("Загрузка файла на обработку",
		slog.String("filename", file.Name),
		slog.Int64("size", file.Size))

	var result model.ProcessResult
	if err := o.gw.UploadMultipart(ctx, "/upload-process", "file", file.Name, file.Reader, &result); err != nil {
		o.fail()
		o.logger.Error("Обработка файла завершилась ошибкой",
			slog.String("filename", file.Name),
			slog.String("error", err.Error()))
		return nil, "", err
	}

	o.setState(StateAwaitingArtifact)
	o.logger.Info("Файл обработан сервером",
		slog.String("id", result.ID),
		slog.Int("rows_processed", result.RowsProcessed))

	o.setState(StateDownloading)
	path, err := o.fetchArtifact(ctx, &result)
	o.setState(StateCompleted)
	if err != nil {
		o.logger.Warn("Артефакт не скачан, файл доступен в истории",
			slog.String("id", result.ID),
			slog.String("error", err.Error()))
		return &result, "", &apierrors.PartialSuccessError{Err: err}
	}

	o.logger.Info("Артефакт сохранён", slog.String("path", path))
	return &result, path, nil
}

// fetchArtifact скачивает и сохраняет обработанный файл.
func (o *Orchestrator) fetchArtifact(ctx context.Context, result *model.ProcessResult) (string, error) {
	resp, err := o.gw.Download(ctx, "/download/"+result.ID)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	name := result.ProcessedFilename
	if name == "" {
		name = fmt.Sprintf("processed_%s.xlsx", result.ID)
	}
	return o.downloads.Save(resp.Body, name)
}

// setState выполняет переход с проверкой по матрице.
// Недопустимый переход — нарушение внутреннего инварианта, логируется.
func (o *Orchestrator) setState(target State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.transitionLocked(target); err != nil {
		o.logger.Error("Недопустимый переход этапа", slog.String("error", err.Error()))
	}
}

// fail переводит цикл в failed.
func (o *Orchestrator) fail() {
	o.setState(StateFailed)
}

// transitionLocked проверяет и выполняет переход. Вызывается под мьютексом.
func (o *Orchestrator) transitionLocked(target State) error {
	allowed, ok := validTransitions[o.state]
	if !ok || !allowed[target] {
		return fmt.Errorf("переход %s → %s недопустим", o.state, target)
	}
	o.logger.Debug("Переход этапа обработки",
		slog.String("from", string(o.state)),
		slog.String("to", string(target)))
	o.state = target
	return nil
}
