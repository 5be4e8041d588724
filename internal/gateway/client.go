// Пакет gateway — HTTP-шлюз к сервису обработки Excel-файлов.
//
// Один сконфигурированный клиент: базовый URL, фиксированный таймаут,
// JSON по умолчанию, multipart для загрузки файлов, streaming для скачивания.
// Поддерживает TLS с кастомным CA (PC_CA_CERT_PATH).
//
// Шлюз переносит токен сессии, но не является гейтом: запрос без токена
// уходит на сервер и получает отказ в авторизации от него.
package gateway

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/plantproc/client-module/internal/apierrors"
)

// TokenProvider — функция, возвращающая токен текущей сессии.
// Пустая строка — сессии нет, запрос уходит без Authorization header.
type TokenProvider func(ctx context.Context) (string, error)

// Client — HTTP-шлюз к сервису обработки.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	tokenProvider TokenProvider
	logger        *slog.Logger
}

// New создаёт шлюз.
// baseURL — базовый URL сервиса (trailing slash убирается).
// caCertPath — путь к CA-сертификату для TLS (пустая строка — стандартный пул).
// timeout — таймаут всех HTTP-запросов.
// tokenProvider — источник токена сессии (может быть nil).
func New(baseURL, caCertPath string, timeout time.Duration, tokenProvider TokenProvider, logger *slog.Logger) (*Client, error) {
	transport := &http.Transport{
		// Настройка пула idle-соединений для эффективного переиспользования
		MaxIdleConnsPerHost: 10,
	}

	if caCertPath != "" {
		tlsConfig, err := buildTLSConfig(caCertPath)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA-сертификата: %w", err)
		}
		transport.TLSClientConfig = tlsConfig
		logger.Info("CA-сертификат добавлен в пул доверия",
			slog.String("ca_cert", caCertPath),
		)
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		tokenProvider: tokenProvider,
		logger:        logger.With(slog.String("component", "gateway")),
	}, nil
}

// BaseURL возвращает базовый URL сервиса.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// HTTPClient возвращает сконфигурированный HTTP-клиент
// (для компонентов, выполняющих собственные запросы, например session.Store).
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// do выполняет запрос, добавляя токен сессии, и классифицирует сетевые сбои.
func (c *Client) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if c.tokenProvider != nil {
		token, err := c.tokenProvider(ctx)
		if err != nil {
			return nil, fmt.Errorf("получение токена сессии: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apierrors.WrapTransport(err)
	}
	return resp, nil
}

// GetJSON выполняет GET и декодирует JSON-ответ в target (nil — тело игнорируется).
func (c *Client) GetJSON(ctx context.Context, path string, target any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, http.NoBody)
	if err != nil {
		return fmt.Errorf("создание запроса GET %s: %w", path, err)
	}

	resp, err := c.do(ctx, req)
	if err != nil {
		return err
	}

	return decodeResponse(resp, target)
}

// PostJSON выполняет POST с JSON-телом и декодирует ответ в target.
func (c *Client) PostJSON(ctx context.Context, path string, body, target any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("сериализация тела запроса: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("создание запроса POST %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(ctx, req)
	if err != nil {
		return err
	}

	return decodeResponse(resp, target)
}

// UploadMultipart отправляет файл одним multipart/form-data запросом
// и декодирует JSON-ответ в target.
// field — имя поля формы, filename — имя файла в части формы.
func (c *Client) UploadMultipart(ctx context.Context, path, field, filename string, r io.Reader, target any) error {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile(field, filename)
	if err != nil {
		return fmt.Errorf("создание multipart-части: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return fmt.Errorf("чтение файла для загрузки: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("завершение multipart-формы: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("создание запроса POST %s: %w", path, err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.do(ctx, req)
	if err != nil {
		return err
	}

	return decodeResponse(resp, target)
}

// Download выполняет streaming-скачивание бинарного ответа.
// Возвращает *http.Response — вызывающий код ОБЯЗАН закрыть resp.Body.
// Статус вне 2xx преобразуется в ServerError, тело при этом закрывается.
func (c *Client) Download(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("создание запроса GET %s: %w", path, err)
	}

	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		serr := apierrors.FromResponse(resp)
		resp.Body.Close()
		return nil, serr
	}

	// Не закрываем resp.Body — вызывающий код отвечает за это (streaming)
	return resp, nil
}

// Health проверяет доступность сервиса обработки (GET /health).
func (c *Client) Health(ctx context.Context) error {
	return c.GetJSON(ctx, "/health", nil)
}

// decodeResponse проверяет статус и декодирует JSON-ответ в target.
func decodeResponse(resp *http.Response, target any) error {
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apierrors.FromResponse(resp)
	}

	if target != nil {
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			return fmt.Errorf("декодирование ответа сервиса: %w", err)
		}
	}

	return nil
}

// buildTLSConfig создаёт TLS-конфигурацию с кастомным CA-сертификатом.
func buildTLSConfig(caCertPath string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("чтение CA-сертификата: %w", err)
	}

	caCertPool, err := x509.SystemCertPool()
	if err != nil {
		caCertPool = x509.NewCertPool()
	}
	caCertPool.AppendCertsFromPEM(caCert)

	return &tls.Config{
		RootCAs: caCertPool,
	}, nil
}
