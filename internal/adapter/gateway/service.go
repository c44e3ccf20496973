package gateway

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/berfenger/envoy2mqtt/internal/config"
	"github.com/berfenger/envoy2mqtt/internal/core/domain"
	"github.com/berfenger/envoy2mqtt/pkg/envoy"

	"go.uber.org/zap"
)

// ReaderService adapts a GatewayReader to the port.GatewayService surface.
type ReaderService struct {
	reader *envoy.GatewayReader
	creds  envoy.Credentials
}

func NewReaderService(cfg config.EnvoyConfig, logger *zap.Logger) (*ReaderService, error) {
	if cfg.Host == "" {
		return nil, errors.New("gateway host is required")
	}
	reader := envoy.NewGatewayReader(cfg.Host, envoy.WithReaderLogger(logger))

	creds := envoy.Credentials{
		Username:    cfg.Username,
		Password:    cfg.Password,
		Token:       cfg.Token,
		AutoRenewal: cfg.TokenAutoRenewal,
	}
	if cfg.TokenCachePath != "" {
		creds.LoadToken = fileTokenLoader(cfg.TokenCachePath)
		creds.SaveToken = fileTokenSaver(cfg.TokenCachePath)
	}

	return &ReaderService{
		reader: reader,
		creds:  creds,
	}, nil
}

func (s *ReaderService) Open(ctx context.Context) error {
	if err := s.reader.Prepare(ctx); err != nil {
		return err
	}
	return s.reader.Authenticate(ctx, s.creds)
}

func (s *ReaderService) Update(ctx context.Context) error {
	return s.reader.Update(ctx)
}

func (s *ReaderService) Info() *domain.GatewayDeviceInfo {
	info := &domain.GatewayDeviceInfo{
		Model:        s.reader.Name(),
		SerialNumber: s.reader.SerialNumber(),
		PartNumber:   s.reader.PartNumber(),
	}
	if fw := s.reader.FirmwareVersion(); fw != nil {
		info.FirmwareVersion = fw.String()
	}
	return info
}

func (s *ReaderService) Snapshot() *envoy.Snapshot {
	return s.reader.Snapshot()
}

func fileTokenLoader(path string) func() (string, error) {
	return func() (string, error) {
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			return "", nil
		}
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(data)), nil
	}
}

func fileTokenSaver(path string) func(string) error {
	return func(token string) error {
		return os.WriteFile(path, []byte(token), 0600)
	}
}
