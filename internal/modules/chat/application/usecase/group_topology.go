package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"chatRelayWs/internal/modules/chat/application/port"
	"chatRelayWs/internal/modules/chat/domain"
)

// GroupTopologyUseCase keeps broker bindings in step with group membership.
type GroupTopologyUseCase struct {
	topology port.Topology
}

func NewGroupTopologyUseCase(topology port.Topology) *GroupTopologyUseCase {
	return &GroupTopologyUseCase{topology: topology}
}

func (u *GroupTopologyUseCase) Join(ctx context.Context, userID, groupID string) error {
	userID, groupID, err := requireIDs(userID, groupID)
	if err != nil {
		return err
	}
	if err := u.topology.Bind(ctx, userID, groupID); err != nil {
		return fmt.Errorf("bind %s to %s: %w", userID, groupID, err)
	}
	slog.Info("group member bound", slog.String("userId", userID), slog.String("groupId", groupID))
	return nil
}

func (u *GroupTopologyUseCase) Leave(ctx context.Context, userID, groupID string) error {
	userID, groupID, err := requireIDs(userID, groupID)
	if err != nil {
		return err
	}
	if err := u.topology.Unbind(ctx, userID, groupID); err != nil {
		return fmt.Errorf("unbind %s from %s: %w", userID, groupID, err)
	}
	slog.Info("group member unbound", slog.String("userId", userID), slog.String("groupId", groupID))
	return nil
}

// Dismiss removes the group exchange. Failure is logged only; a leftover exchange with
// no bindings routes nothing.
func (u *GroupTopologyUseCase) Dismiss(ctx context.Context, groupID string) error {
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return fmt.Errorf("%w: missing group id", domain.ErrValidation)
	}
	if err := u.topology.DeleteGroupExchange(ctx, groupID); err != nil {
		slog.Warn("group exchange cleanup failed", slog.String("groupId", groupID), slog.Any("error", err))
		return nil
	}
	slog.Info("group exchange deleted", slog.String("groupId", groupID))
	return nil
}

func requireIDs(userID, groupID string) (string, string, error) {
	userID = strings.TrimSpace(userID)
	groupID = strings.TrimSpace(groupID)
	if userID == "" || groupID == "" {
		return "", "", fmt.Errorf("%w: user and group ids are required", domain.ErrValidation)
	}
	return userID, groupID, nil
}
