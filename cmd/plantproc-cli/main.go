// Точка входа plantproc-cli — консольный клиент сервиса обработки
// Excel-файлов. Загружает конфигурацию из переменных окружения (PC_*),
// восстанавливает сессию из файла токена и выполняет команду.
//
// Команды:
//
//	login     — аутентификация и сохранение токена
//	logout    — удаление сохранённого токена
//	whoami    — текущая сессия
//	status    — доступность сервера
//	process   — загрузка файла на обработку и скачивание артефакта
//	history   — история обработки (пагинация, поиск, сортировка)
//	download  — скачивание артефакта по идентификатору
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/plantproc/client-module/internal/apierrors"
	"github.com/plantproc/client-module/internal/config"
	"github.com/plantproc/client-module/internal/download"
	"github.com/plantproc/client-module/internal/gateway"
	"github.com/plantproc/client-module/internal/history"
	"github.com/plantproc/client-module/internal/orchestrator"
	"github.com/plantproc/client-module/internal/session"
)

const usage = `Использование: plantproc-cli <команда> [флаги]

Команды:
  login      аутентификация (-username, -password)
  logout     удаление сохранённого токена
  whoami     текущая сессия
  status     доступность сервера
  process    обработка файла: process <файл.xlsx>
  history    история обработки (-page, -size, -search, -sort, -order, -all)
  download   скачивание артефакта: download <id>

Конфигурация через переменные окружения PC_* (PC_BASE_URL, PC_TOKEN_FILE, ...).
`

// app — собранные зависимости CLI.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *session.Store
	gw     *gateway.Client
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := config.SetupLogger(cfg)

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	command := os.Args[1]
	args := os.Args[2:]

	a, err := newApp(cfg, logger)
	if err != nil {
		logger.Error("Ошибка инициализации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch command {
	case "login":
		err = a.cmdLogin(ctx, args)
	case "logout":
		err = a.cmdLogout()
	case "whoami":
		err = a.cmdWhoami()
	case "status":
		err = a.cmdStatus(ctx)
	case "process":
		err = a.cmdProcess(ctx, args)
	case "history":
		err = a.cmdHistory(ctx, args)
	case "download":
		err = a.cmdDownload(ctx, args)
	case "version":
		fmt.Println(config.Version)
	default:
		fmt.Fprintf(os.Stderr, "Неизвестная команда: %s\n\n%s", command, usage)
		os.Exit(2)
	}

	if err != nil {
		// Частичный успех — не ошибка выполнения: файл обработан
		if apierrors.IsPartialSuccess(err) {
			fmt.Fprintln(os.Stderr, err.Error())
			return
		}
		fmt.Fprintln(os.Stderr, "Ошибка:", err.Error())
		os.Exit(1)
	}
}

// newApp собирает store и gateway с общим HTTP-клиентом.
func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	var store *session.Store
	gw, err := gateway.New(cfg.BaseURL, cfg.CACertPath, cfg.Timeout,
		func(ctx context.Context) (string, error) {
			return store.TokenProvider()(ctx)
		}, logger)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания HTTP-клиента: %w", err)
	}
	store = session.NewStore(cfg.BaseURL, cfg.TokenFile, gw.HTTPClient(), logger)
	return &app{cfg: cfg, logger: logger, store: store, gw: gw}, nil
}

// requireSession восстанавливает сессию из файла токена.
func (a *app) requireSession() (*session.Session, error) {
	sess := a.store.Restore()
	if sess == nil {
		return nil, fmt.Errorf("вы не аутентифицированы, выполните: plantproc-cli login")
	}
	return sess, nil
}

func (a *app) cmdLogin(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	username := fs.String("username", "", "имя пользователя")
	password := fs.String("password", "", "пароль (если не задан — запрашивается)")
	_ = fs.Parse(args)

	if *username == "" {
		fmt.Print("Имя пользователя: ")
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("ошибка чтения имени пользователя: %w", err)
		}
		*username = strings.TrimSpace(line)
	}
	if *password == "" {
		fmt.Print("Пароль: ")
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("ошибка чтения пароля: %w", err)
		}
		*password = strings.TrimSpace(line)
	}

	sess, err := a.store.Login(ctx, *username, *password)
	if err != nil {
		return err
	}
	fmt.Printf("Вход выполнен: %s (токен действует до %s)\n",
		sess.Subject, sess.ExpiryTime().Local().Format("2006-01-02 15:04:05"))
	return nil
}

func (a *app) cmdLogout() error {
	a.store.Logout()
	fmt.Println("Сессия завершена")
	return nil
}

func (a *app) cmdWhoami() error {
	sess, err := a.requireSession()
	if err != nil {
		return err
	}
	fmt.Printf("Пользователь: %s\nТокен действует до: %s\n",
		sess.Subject, sess.ExpiryTime().Local().Format("2006-01-02 15:04:05"))
	return nil
}

func (a *app) cmdStatus(ctx context.Context) error {
	if err := a.gw.Health(ctx); err != nil {
		return fmt.Errorf("сервер недоступен: %w", err)
	}
	fmt.Println("Сервер доступен:", a.cfg.BaseURL)
	if sess := a.store.Restore(); sess != nil {
		fmt.Println("Сессия активна:", sess.Subject)
	} else {
		fmt.Println("Сессия отсутствует")
	}
	return nil
}

func (a *app) cmdProcess(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("укажите файл: plantproc-cli process <файл.xlsx>")
	}
	if _, err := a.requireSession(); err != nil {
		return err
	}

	path := args[0]
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("ошибка открытия файла: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("ошибка чтения файла: %w", err)
	}

	dm, err := download.NewManager(a.cfg.DownloadDir, a.logger)
	if err != nil {
		return err
	}
	o := orchestrator.New(a.gw, dm, a.cfg.MaxUploadSize, a.logger, nil)

	result, savedPath, err := o.Run(ctx, orchestrator.SelectedFile{
		Name:   info.Name(),
		Size:   info.Size(),
		Reader: f,
	})
	if result != nil {
		fmt.Printf("Файл обработан: %s (строк: %d, статус: %s)\n",
			result.OriginalFilename, result.RowsProcessed, result.Status)
	}
	if err != nil {
		return err
	}
	fmt.Println("Артефакт сохранён:", savedPath)
	return nil
}

func (a *app) cmdHistory(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	page := fs.Int("page", 1, "номер страницы")
	size := fs.Int("size", a.cfg.PageSize, "размер страницы (1-100)")
	search := fs.String("search", "", "поиск по имени файла и статусу")
	sortBy := fs.String("sort", history.SortByCreatedAt, "колонка сортировки (created_at, filename, status, rows_processed)")
	order := fs.String("order", history.OrderDesc, "направление сортировки (asc, desc)")
	all := fs.Bool("all", false, "вся история без пагинации")
	_ = fs.Parse(args)

	if _, err := a.requireSession(); err != nil {
		return err
	}

	q := history.New(a.gw, a.cfg.PageSize, a.cfg.CacheSize, a.cfg.CacheTTL, a.logger)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)

	if *all {
		records, err := q.All(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "ID\tФАЙЛ\tСТРОК\tСТАТУС\tСОЗДАН")
		for _, rec := range records {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
				rec.ID, rec.Filename, rec.RowsProcessed, rec.Status,
				rec.CreatedAt.Local().Format("2006-01-02 15:04"))
		}
		return w.Flush()
	}

	resp, err := history.FetchPage(ctx, a.gw, history.PageRequest{
		Page:      *page,
		PageSize:  *size,
		Search:    *search,
		SortBy:    *sortBy,
		SortOrder: *order,
	})
	if err != nil {
		return err
	}

	fmt.Fprintln(w, "ID\tФАЙЛ\tСТРОК\tСТАТУС\tСОЗДАН")
	for _, rec := range resp.Items {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			rec.ID, rec.Filename, rec.RowsProcessed, rec.Status,
			rec.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("Страница %d из %d (всего записей: %d)\n", resp.Page, resp.TotalPages, resp.TotalItems)
	return nil
}

func (a *app) cmdDownload(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("укажите идентификатор: plantproc-cli download <id>")
	}
	if _, err := a.requireSession(); err != nil {
		return err
	}
	id := args[0]

	resp, err := a.gw.Download(ctx, "/download/"+id)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	name := filenameFromDisposition(resp.Header.Get("Content-Disposition"))
	if name == "" {
		name = fmt.Sprintf("processed_%s.xlsx", id)
	}

	dm, err := download.NewManager(a.cfg.DownloadDir, a.logger)
	if err != nil {
		return err
	}
	path, err := dm.Save(resp.Body, name)
	if err != nil {
		return err
	}
	fmt.Println("Артефакт сохранён:", path)
	return nil
}

// filenameFromDisposition извлекает имя файла из Content-Disposition.
func filenameFromDisposition(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	return params["filename"]
}
