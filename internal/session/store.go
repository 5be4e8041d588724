// Пакет session — жизненный цикл сессии и токена клиента.
//
// Токен — компактный подписанный JWT с claims sub и exp. Клиент декодирует
// payload без проверки подписи: декодирование служит только для отображения
// субъекта и оценки времени истечения, доказательством валидности оно не
// является — авторизацию проверяет сервер на каждом запросе.
//
// Сырой токен сохраняется в файле и переживает перезапуски клиента.
// На каждый процесс существует ровно один Store.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/plantproc/client-module/internal/apierrors"
)

// Session — декодированное состояние аутентификации.
// Инвариант: Subject непуст тогда и только тогда, когда Token непуст
// и ExpiresAt в будущем на момент последней проверки.
type Session struct {
	// Token — сырой токен, передаётся в Authorization header
	Token string
	// Subject — claim sub (идентификатор пользователя)
	Subject string
	// ExpiresAt — claim exp, секунды с эпохи Unix
	ExpiresAt int64
}

// IsExpired сообщает, истёк ли токен на текущий момент.
func (s *Session) IsExpired() bool {
	return time.Now().Unix() >= s.ExpiresAt
}

// ExpiryTime возвращает момент истечения токена.
func (s *Session) ExpiryTime() time.Time {
	return time.Unix(s.ExpiresAt, 0)
}

// Store — владелец сессии: login/restore/logout и сохранение токена в файле.
// Потокобезопасен; единственная точка мутации состояния сессии.
type Store struct {
	baseURL    string
	path       string
	httpClient *http.Client
	logger     *slog.Logger

	mu      sync.Mutex
	current *Session
}

// NewStore создаёт хранилище сессии.
// baseURL — базовый URL сервиса обработки (без trailing slash).
// path — путь к файлу с сохранённым токеном.
// httpClient — HTTP-клиент для запроса аутентификации (nil — клиент с таймаутом 30s).
func NewStore(baseURL, path string, httpClient *http.Client, logger *slog.Logger) *Store {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Store{
		baseURL:    baseURL,
		path:       path,
		httpClient: httpClient,
		logger:     logger.With(slog.String("component", "session_store")),
	}
}

// loginRequest — тело запроса POST /auth/login.
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// tokenResponse — ответ сервера на успешный login.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// Login аутентифицирует пользователя на сервисе обработки.
// При успехе декодирует payload токена (sub, exp), сохраняет сырой токен
// в файл и устанавливает сессию в памяти.
// При отказе возвращает AuthError с detail сервера или общим сообщением.
func (s *Store) Login(ctx context.Context, username, password string) (*Session, error) {
	body, err := json.Marshal(loginRequest{Username: username, Password: password})
	if err != nil {
		return nil, fmt.Errorf("сериализация запроса аутентификации: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/auth/login", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("создание запроса аутентификации: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, apierrors.WrapTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		serr := apierrors.FromResponse(resp)
		msg := serr.Detail
		if msg == "" {
			msg = "Ошибка аутентификации"
		}
		return nil, &apierrors.AuthError{Message: msg, Err: serr}
	}

	var token tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return nil, fmt.Errorf("декодирование ответа аутентификации: %w", err)
	}

	sess, err := decodeToken(token.AccessToken)
	if err != nil {
		return nil, &apierrors.AuthError{Message: "Сервер вернул некорректный токен", Err: err}
	}

	if err := s.persist(token.AccessToken); err != nil {
		// Сессия работает и без сохранения, но перезапуск её потеряет
		s.logger.Warn("Не удалось сохранить токен",
			slog.String("path", s.path),
			slog.String("error", err.Error()),
		)
	}

	s.mu.Lock()
	s.current = sess
	s.mu.Unlock()

	s.logger.Info("Сессия открыта",
		slog.String("subject", sess.Subject),
		slog.Time("expires_at", time.Unix(sess.ExpiresAt, 0)),
	)

	return &Session{Token: sess.Token, Subject: sess.Subject, ExpiresAt: sess.ExpiresAt}, nil
}

// Restore восстанавливает сессию из сохранённого токена при старте.
// Вызывается синхронно до любого запроса, требующего авторизации.
// Отсутствующий файл — пустая сессия. Некорректный или просроченный токен
// удаляется из файла (неявный logout), сессия остаётся пустой.
func (s *Store) Restore() *Session {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("Не удалось прочитать файл токена",
				slog.String("path", s.path),
				slog.String("error", err.Error()),
			)
		}
		return nil
	}

	sess, err := decodeToken(string(bytes.TrimSpace(raw)))
	if err != nil {
		s.logger.Warn("Сохранённый токен некорректен, выполняется неявный logout",
			slog.String("error", err.Error()),
		)
		s.removeTokenFile()
		return nil
	}

	if sess.IsExpired() {
		s.logger.Info("Сохранённый токен истёк, выполняется неявный logout",
			slog.String("subject", sess.Subject),
		)
		s.removeTokenFile()
		return nil
	}

	s.mu.Lock()
	s.current = sess
	s.mu.Unlock()

	s.logger.Debug("Сессия восстановлена",
		slog.String("subject", sess.Subject),
		slog.Time("expires_at", time.Unix(sess.ExpiresAt, 0)),
	)

	return &Session{Token: sess.Token, Subject: sess.Subject, ExpiresAt: sess.ExpiresAt}
}

// Logout очищает сессию в памяти и удаляет сохранённый токен. Идемпотентен.
func (s *Store) Logout() {
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()

	s.removeTokenFile()
	s.logger.Info("Сессия закрыта")
}

// Current возвращает копию текущей сессии или nil, если сессии нет.
// Просроченная сессия очищается на месте (тихий expiry-driven logout).
func (s *Store) Current() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return nil
	}
	if s.current.IsExpired() {
		s.current = nil
		s.removeTokenFile()
		s.logger.Info("Токен истёк, сессия очищена")
		return nil
	}

	return &Session{
		Token:     s.current.Token,
		Subject:   s.current.Subject,
		ExpiresAt: s.current.ExpiresAt,
	}
}

// TokenProvider возвращает функцию, предоставляющую текущий токен для
// исходящих запросов. Пустая строка — сессии нет; запрос всё равно уйдёт
// и получит отказ в авторизации от сервера (шлюз не является гейтом).
func (s *Store) TokenProvider() func(ctx context.Context) (string, error) {
	return func(_ context.Context) (string, error) {
		if sess := s.Current(); sess != nil {
			return sess.Token, nil
		}
		return "", nil
	}
}

// persist сохраняет сырой токен в файл (0600), создавая каталог при необходимости.
func (s *Store) persist(raw string) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("создание каталога токена: %w", err)
	}
	if err := os.WriteFile(s.path, []byte(raw), 0o600); err != nil {
		return fmt.Errorf("запись файла токена: %w", err)
	}
	return nil
}

// removeTokenFile удаляет файл токена, игнорируя его отсутствие.
func (s *Store) removeTokenFile() {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("Не удалось удалить файл токена",
			slog.String("path", s.path),
			slog.String("error", err.Error()),
		)
	}
}

// decodeToken декодирует payload токена без проверки подписи.
// Токен без sub или exp считается некорректным.
func decodeToken(raw string) (*Session, error) {
	claims := &jwt.RegisteredClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("разбор токена: %w", err)
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("токен без claim sub")
	}
	if claims.ExpiresAt == nil {
		return nil, fmt.Errorf("токен без claim exp")
	}

	return &Session{
		Token:     raw,
		Subject:   claims.Subject,
		ExpiresAt: claims.ExpiresAt.Unix(),
	}, nil
}
