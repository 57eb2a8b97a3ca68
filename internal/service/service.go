// Package service - внешний фасад движка: все операции администратора и пользователей.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ilokitv/awgbot/internal/envcheck"
	"github.com/ilokitv/awgbot/internal/lifecycle"
	"github.com/ilokitv/awgbot/internal/models"
	"github.com/ilokitv/awgbot/internal/registry"
)

// Validator проверка окружения сервера
type Validator interface {
	Validate(ctx context.Context, server models.Server) (envcheck.Status, error)
}

// ISPLookup определяет провайдера по IP
type ISPLookup interface {
	Lookup(ctx context.Context, ip string) string
}

// ConnectionForgetter закрывает соединения с удаленным сервером
type ConnectionForgetter interface {
	Forget(serverID string)
}

// IssueParams параметры нового клиента на активном сервере
type IssueParams struct {
	Name         string
	OwnerID      int64
	OwnerSlug    string
	ExpiresAt    *time.Time
	TrafficLimit *int64
}

// ConnectionInfo подключение клиента с провайдером
type ConnectionInfo struct {
	IP     string
	SeenAt time.Time
	ISP    string
}

// CredentialDetail подробности о клиенте
type CredentialDetail struct {
	Credential  models.Credential
	Traffic     models.TrafficRecord
	Connections []ConnectionInfo
}

// Service объединяет реестр серверов, проверку окружения и жизненный цикл клиентов
type Service struct {
	registry  *registry.Registry
	validator Validator
	lifecycle *lifecycle.Manager
	isp       ISPLookup
	conns     ConnectionForgetter
	logger    *slog.Logger
}

// New создает сервис
func New(reg *registry.Registry, validator Validator, mgr *lifecycle.Manager, isp ISPLookup, conns ConnectionForgetter, logger *slog.Logger) *Service {
	return &Service{
		registry:  reg,
		validator: validator,
		lifecycle: mgr,
		isp:       isp,
		conns:     conns,
		logger:    logger,
	}
}

// IssueCredential выдает клиента на активном сервере.
// Обычный пользователь всегда выдает клиента себе.
func (s *Service) IssueCredential(ctx context.Context, p models.Principal, params IssueParams) (models.Credential, error) {
	server, err := s.registry.Require()
	if err != nil {
		return models.Credential{}, err
	}
	owner := params.OwnerID
	if !p.Admin || owner == 0 {
		owner = p.ID
	}
	return s.lifecycle.Issue(ctx, lifecycle.IssueRequest{
		Name:         params.Name,
		OwnerID:      owner,
		OwnerSlug:    params.OwnerSlug,
		ServerID:     server.ID,
		ExpiresAt:    params.ExpiresAt,
		TrafficLimit: params.TrafficLimit,
	})
}

// RevokeCredential отзывает клиента на активном сервере
func (s *Service) RevokeCredential(ctx context.Context, p models.Principal, name string) error {
	server, err := s.registry.Require()
	if err != nil {
		return err
	}
	return s.lifecycle.RevokeAs(ctx, p, server.ID, name)
}

// ListCredentials возвращает клиентов активного сервера, видимых принципалу
func (s *Service) ListCredentials(ctx context.Context, p models.Principal) ([]models.Credential, error) {
	server, err := s.registry.Require()
	if err != nil {
		return nil, err
	}
	var owner *int64
	if !p.Admin {
		owner = &p.ID
	}
	return s.lifecycle.List(ctx, server.ID, owner)
}

// GetCredentialDetail возвращает клиента с трафиком и подключениями
func (s *Service) GetCredentialDetail(ctx context.Context, p models.Principal, name string) (CredentialDetail, error) {
	server, err := s.registry.Require()
	if err != nil {
		return CredentialDetail{}, err
	}
	d, err := s.lifecycle.DetailAs(ctx, p, server.ID, name)
	if err != nil {
		return CredentialDetail{}, err
	}

	out := CredentialDetail{Credential: d.Credential, Traffic: d.Traffic}
	for _, c := range d.Connections {
		info := ConnectionInfo{IP: c.IP, SeenAt: c.SeenAt}
		if s.isp != nil {
			info.ISP = s.isp.Lookup(ctx, c.IP)
		}
		out.Connections = append(out.Connections, info)
	}
	return out, nil
}

// SetActiveServer переключает активный сервер после проверки его окружения
func (s *Service) SetActiveServer(ctx context.Context, id string) error {
	server, err := s.registry.Get(id)
	if err != nil {
		return err
	}
	status, err := s.validator.Validate(ctx, server)
	if err != nil {
		return fmt.Errorf("%w: %w", models.ErrServerNotReady, err)
	}
	if !status.Ready {
		return fmt.Errorf("%w: %s", models.ErrServerNotReady, status.Reason)
	}
	return s.registry.SetActive(ctx, id)
}

// AddServer регистрирует сервер
func (s *Service) AddServer(ctx context.Context, server models.Server) (models.Server, error) {
	return s.registry.Add(ctx, server)
}

// RemoveServer удаляет сервер со всеми клиентами. Таймеры клиентов снимаются до удаления записей.
func (s *Service) RemoveServer(ctx context.Context, id string) error {
	if _, err := s.registry.Get(id); err != nil {
		return err
	}
	n, err := s.lifecycle.PurgeServer(ctx, id)
	if err != nil {
		return err
	}
	if err := s.registry.Remove(ctx, id); err != nil {
		return err
	}
	if s.conns != nil {
		s.conns.Forget(id)
	}
	s.logger.Info("Сервер и его клиенты удалены", "server", id, "clients", n)
	return nil
}

// ListServers возвращает серверы по ID
func (s *Service) ListServers() []models.Server {
	return s.registry.List()
}

// ActiveServer возвращает активный сервер
func (s *Service) ActiveServer() (models.Server, error) {
	return s.registry.Require()
}

// CheckServer проверяет окружение сервера
func (s *Service) CheckServer(ctx context.Context, id string) (envcheck.Status, error) {
	server, err := s.registry.Get(id)
	if err != nil {
		return envcheck.Status{}, err
	}
	return s.validator.Validate(ctx, server)
}
