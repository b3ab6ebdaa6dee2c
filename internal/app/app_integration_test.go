//go:build integration

package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bissquit/tenant-notify/internal/config"
	"github.com/bissquit/tenant-notify/internal/domain"
	"github.com/bissquit/tenant-notify/internal/notifications"
	"github.com/bissquit/tenant-notify/internal/pkg/jwtauth"
	"github.com/bissquit/tenant-notify/internal/testutil"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "integration-secret-integration-secret"

type appEnv struct {
	app       *App
	client    *testutil.Client
	operator  *testutil.Client
	companyID string
	tenantID  string
	smsCalls  *atomic.Int32
}

func newAppEnv(t *testing.T) *appEnv {
	t.Helper()
	ctx := context.Background()

	pg, err := testutil.NewPostgresContainer(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(context.Background()) })

	var smsCalls atomic.Int32
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := smsCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"message_id": "gw-" + string(rune('0'+n))})
	}))
	t.Cleanup(gateway.Close)

	cfg := config.Default()
	cfg.Server.Port = "0"
	cfg.Server.MetricsPort = "0"
	cfg.Log.Level = "debug"
	cfg.Database.URL = pg.ConnectionString
	cfg.JWT.SecretKey = testSecret
	cfg.Notifications.Enabled = false
	cfg.Notifications.SMS = config.SMSConfig{
		Enabled:    true,
		GatewayURL: gateway.URL,
		APIKey:     "key",
		RateLimit:  100,
		Burst:      10,
		Timeout:    time.Second,
	}
	require.NoError(t, cfg.Validate())

	app, err := New(&cfg)
	require.NoError(t, err)
	t.Cleanup(func() { app.db.Close() })

	server := httptest.NewServer(app.Router())
	t.Cleanup(server.Close)

	tokens := jwtauth.New(jwtauth.Config{SecretKey: testSecret})
	serviceToken, err := tokens.Issue("billing-service", domain.RoleService, time.Hour)
	require.NoError(t, err)
	operatorToken, err := tokens.Issue("ops", domain.RoleOperator, time.Hour)
	require.NoError(t, err)

	validator := testutil.NewOpenAPIValidator(t, "../../api/openapi/openapi.yaml")
	base := testutil.NewClient(t, server.URL, validator)

	env := &appEnv{
		app:      app,
		client:   base.WithToken(serviceToken),
		operator: base.WithToken(operatorToken),
		smsCalls: &smsCalls,
	}
	env.seed(t, app.db)
	return env
}

func (e *appEnv) seed(t *testing.T, db *pgxpool.Pool) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, db.QueryRow(ctx, `
		INSERT INTO companies (name, email_notifications, sms_notifications)
		VALUES ('Acme Homes', false, true)
		RETURNING id
	`).Scan(&e.companyID))

	require.NoError(t, db.QueryRow(ctx, `
		INSERT INTO tenants (company_id, name, email, phone)
		VALUES ($1, 'Jane Doe', 'jane@example.com', '(415) 555-0100')
		RETURNING id
	`, e.companyID).Scan(&e.tenantID))
}

func (e *appEnv) enqueueBody(channels ...string) map[string]any {
	data := notifications.BillingIssuedData{
		TenantName:    "Jane",
		InvoiceNumber: "INV-1",
		Amount:        950,
		Currency:      "USD",
		DueDate:       time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
	}
	return map[string]any{
		"company_id":        e.companyID,
		"recipient_type":    "tenant",
		"recipient_id":      e.tenantID,
		"notification_type": "billing_issued",
		"channels":          channels,
		"template_data":     data.TemplateData(),
	}
}

func TestApp_ProbesAndVersion(t *testing.T) {
	env := newAppEnv(t)

	resp, err := env.client.GET("/healthz")
	require.NoError(t, err)
	assert.Equal(t, "OK", testutil.ReadBody(t, resp))

	resp, err = env.client.GET("/readyz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = env.client.GET("/version")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestApp_RequiresToken(t *testing.T) {
	env := newAppEnv(t)

	resp, err := env.client.WithToken("").GET("/api/v1/notifications/stats")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = env.client.POST("/api/v1/notifications/process", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestApp_EnqueueProcessDeliver(t *testing.T) {
	env := newAppEnv(t)

	resp, err := env.client.POST("/api/v1/notifications", env.enqueueBody("sms", "email"))
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var enqueued struct {
		Results map[string]notifications.EnqueueResult `json:"results"`
		Queued  int                                    `json:"queued"`
	}
	testutil.DecodeData(t, resp, &enqueued)
	assert.Equal(t, 2, enqueued.Queued)
	smsItemID := enqueued.Results["sms"].ItemID
	emailItemID := enqueued.Results["email"].ItemID
	require.NotEmpty(t, smsItemID)

	// Same notification again inside the dedup window.
	resp, err = env.client.POST("/api/v1/notifications", env.enqueueBody("sms"))
	require.NoError(t, err)
	var again struct {
		Results map[string]notifications.EnqueueResult `json:"results"`
	}
	testutil.DecodeData(t, resp, &again)
	assert.Equal(t, notifications.EnqueueStatusSkipped, again.Results["sms"].Status)
	assert.Equal(t, "duplicate", again.Results["sms"].Reason)

	resp, err = env.operator.POST("/api/v1/notifications/process", map[string]any{"limit": 10})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result notifications.ProcessResult
	testutil.DecodeData(t, resp, &result)
	assert.Equal(t, notifications.ProcessResult{Processed: 2, Sent: 1, Skipped: 1}, result)
	assert.Equal(t, int32(1), env.smsCalls.Load())

	resp, err = env.client.GET("/api/v1/notifications/" + smsItemID)
	require.NoError(t, err)
	var smsItem notifications.QueueItem
	testutil.DecodeData(t, resp, &smsItem)
	assert.Equal(t, notifications.QueueStatusSent, smsItem.Status)
	assert.NotNil(t, smsItem.SentAt)
	assert.Equal(t, "gw-1", smsItem.ProviderMessageID)

	resp, err = env.client.GET("/api/v1/notifications/" + emailItemID)
	require.NoError(t, err)
	var emailItem notifications.QueueItem
	testutil.DecodeData(t, resp, &emailItem)
	assert.Equal(t, notifications.QueueStatusSkipped, emailItem.Status)
	assert.Equal(t, notifications.SkipReasonFeatureDisabled, emailItem.LastError)

	resp, err = env.client.GET("/api/v1/notifications/stats")
	require.NoError(t, err)
	var stats notifications.QueueStats
	testutil.DecodeData(t, resp, &stats)
	assert.Equal(t, int64(1), stats.Sent)
	assert.Equal(t, int64(1), stats.Skipped)
}
