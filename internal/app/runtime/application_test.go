package runtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/domain/relay"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/config"
)

func TestOptimizerParams(t *testing.T) {
	cfg := config.Default().Optimizer
	cfg.FamilyMultiplierBps = map[string]int64{" ZK_Rollup ": 15000}

	p, err := OptimizerParams(cfg)
	require.NoError(t, err)
	assert.Equal(t, uint64(15000), p.FamilyMultiplierBps[relay.FamilyZKRollup])
	assert.NotZero(t, p.FamilyMultiplierBps[relay.FamilyValidium], "unlisted families keep defaults")
	assert.Equal(t, cfg.SideChannelThreshold, p.SideChannelThreshold)
}

func TestOptimizerParamsRejectsBadFamilies(t *testing.T) {
	tests := []struct {
		name string
		fams map[string]int64
	}{
		{"unknown", map[string]int64{"sidechain": 10000}},
		{"negative", map[string]int64{"validium": -1}},
		{"zero", map[string]int64{"app_chain": 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default().Optimizer
			cfg.FamilyMultiplierBps = tt.fams
			if _, err := OptimizerParams(cfg); err == nil {
				t.Fatalf("expected error for %v", tt.fams)
			}
		})
	}
}

func TestOpenDatabaseRequiresDSN(t *testing.T) {
	_, err := OpenDatabase(context.Background(), config.DatabaseConfig{Driver: "postgres"})
	require.Error(t, err)
}

func TestNewApplicationInMemory(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.Level = "error"

	a, err := NewApplication(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, a.App())
	defer func() {
		assert.NoError(t, a.Shutdown(context.Background()))
	}()

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	// Without a verification key every caller is anonymous.
	body := strings.NewReader(`{"domain_id":7,"family":"zk_rollup"}`)
	rec = httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/domains", body))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestNewApplicationBadKeyPath(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.Level = "error"
	cfg.Auth.JWTPublicKeyPath = t.TempDir() + "/missing.pem"

	_, err := NewApplication(context.Background(), cfg)
	require.Error(t, err)
}
