package service

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/sms-dispatch/internal/errors"
	"github.com/unclebandit/sms-dispatch/internal/model"
	"github.com/unclebandit/sms-dispatch/internal/repository/memory"
)

type invalidations struct{ ids []int }

func (i *invalidations) Invalidate(id int) { i.ids = append(i.ids, id) }

func TestGatewayServiceRequiresSystemAdmin(t *testing.T) {
	svc := &GatewayService{Repo: memory.New().Gateways(), Log: zerolog.Nop()}
	caller := model.Caller{Role: model.RoleAdministrator}

	if _, err := svc.List(context.Background(), caller); !errors.Is(err, appErrors.ErrPermissionDenied) {
		t.Errorf("list: expected ErrPermissionDenied, got %v", err)
	}
	if err := svc.Save(context.Background(), caller, &model.GatewayConfiguration{Name: "x", Type: model.GatewaySandbox}); !errors.Is(err, appErrors.ErrPermissionDenied) {
		t.Errorf("save: expected ErrPermissionDenied, got %v", err)
	}
	if err := svc.SetDefault(context.Background(), caller, 1); !errors.Is(err, appErrors.ErrPermissionDenied) {
		t.Errorf("set default: expected ErrPermissionDenied, got %v", err)
	}
}

func TestGatewayServiceKeepsSingleDefault(t *testing.T) {
	inv := &invalidations{}
	svc := &GatewayService{Repo: memory.New().Gateways(), Clients: inv, Log: zerolog.Nop()}
	ctx := context.Background()

	first := &model.GatewayConfiguration{Name: "primary", Type: model.GatewayAfricasTalking, Username: "strathmore", APIKey: "k", Active: true, IsDefault: true}
	second := &model.GatewayConfiguration{Name: "sandbox", Type: model.GatewaySandbox, Active: true, IsDefault: true}
	for _, g := range []*model.GatewayConfiguration{first, second} {
		if err := svc.Save(ctx, admin, g); err != nil {
			t.Fatalf("save %s: %v", g.Name, err)
		}
	}
	if err := svc.SetDefault(ctx, admin, first.ID); err != nil {
		t.Fatalf("set default: %v", err)
	}

	all, err := svc.List(ctx, admin)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	defaults := 0
	for _, g := range all {
		if g.IsDefault {
			defaults++
			if g.ID != first.ID {
				t.Errorf("expected %d to be default, got %d", first.ID, g.ID)
			}
		}
	}
	if defaults != 1 {
		t.Errorf("expected exactly one default, got %d", defaults)
	}
	if len(inv.ids) != 3 {
		t.Errorf("expected every change to invalidate the client cache, got %v", inv.ids)
	}

	err = svc.Save(ctx, admin, &model.GatewayConfiguration{Name: "nokey", Type: model.GatewayAfricasTalking, Username: "u"})
	if !errors.Is(err, appErrors.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for a missing key, got %v", err)
	}
}
