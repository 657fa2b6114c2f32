package audit

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"

	"github.com/opensearch-project/opensearch-go"

	"github.com/rx3lixir/migration-service/internal/config"
	"github.com/rx3lixir/migration-service/pkg/logger"
)

// Client - обертка над клиентом OpenSearch для индекса аудита миграции
type Client struct {
	client *opensearch.Client
	config config.OpenSearchConfig
	logger logger.Logger
}

// New создает клиент индекса аудита
func New(cfg config.OpenSearchConfig, log logger.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("opensearch url is required")
	}

	osConfig := opensearch.Config{
		Addresses: []string{cfg.URL},
		Transport: &http.Transport{
			MaxIdleConnsPerHost: cfg.MaxIdleConns,
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.InsecureSkipVerify,
			},
		},
		RetryOnStatus: cfg.RetryOnStatus,
		MaxRetries:    cfg.MaxRetries,
	}

	osClient, err := opensearch.NewClient(osConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}

	return &Client{
		client: osClient,
		config: cfg,
		logger: log,
	}, nil
}

// GetNativeClient возвращает нативный клиент OpenSearch
func (c *Client) GetNativeClient() *opensearch.Client {
	return c.client
}

// ChangesIndex - имя индекса журнала изменений
func (c *Client) ChangesIndex() string {
	return c.config.ChangesIndex
}

// ConflictsIndex - имя индекса трейла конфликтов
func (c *Client) ConflictsIndex() string {
	return c.config.ConflictsIndex
}

// Health проверяет доступность кластера
func (c *Client) Health(ctx context.Context) error {
	res, err := c.client.Ping(c.client.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("opensearch ping failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("opensearch ping returned status: %s", res.Status())
	}
	return nil
}
