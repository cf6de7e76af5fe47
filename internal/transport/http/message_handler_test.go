package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classping/notify/internal/core/domain"
	"github.com/classping/notify/internal/emergency"
	"github.com/classping/notify/internal/guard"
	"github.com/classping/notify/internal/notifier"
	"github.com/classping/notify/internal/repository/memory"
	"github.com/classping/notify/internal/template"
	httptransport "github.com/classping/notify/internal/transport/http"
)

const testAccessSecret = "unit-test-access-secret"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type apiHarness struct {
	router      chi.Router
	messages    *memory.MessageRepository
	emergencies *memory.EmergencyRepository
	prefs       *memory.PreferenceRepository
	directory   *memory.DirectoryRepository

	teacher   domain.Actor
	admin     domain.Actor
	student   uuid.UUID
	guardianA uuid.UUID
	guardianB uuid.UUID
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	h := &apiHarness{
		messages:    memory.NewMessageRepository(),
		emergencies: memory.NewEmergencyRepository(),
		prefs:       memory.NewPreferenceRepository(),
		directory:   memory.NewDirectoryRepository(),
		teacher:     domain.Actor{ID: uuid.New(), Role: domain.RoleTeacher, Name: "Ms. Park"},
		admin:       domain.Actor{ID: uuid.New(), Role: domain.RoleAdmin, Name: "Principal Cho"},
		student:     uuid.New(),
		guardianA:   uuid.New(),
		guardianB:   uuid.New(),
	}

	h.directory.Seed(
		[]domain.Guardian{
			{ID: h.guardianA, FullName: "Jordan Avery"},
			{ID: h.guardianB, FullName: "Sam Avery"},
		},
		[]domain.GuardianLink{
			{
				GuardianID: h.guardianA, StudentID: h.student,
				Primary: true, EligibleForEmergency: true,
				Addresses: domain.ChannelAddresses{
					PushToken: "push-a", PhoneNumber: "+15550100", Email: "jordan@example.com",
				},
			},
			{
				GuardianID: h.guardianB, StudentID: h.student,
				EligibleForEmergency: true,
				Addresses:            domain.ChannelAddresses{Email: "sam@example.com"},
			},
		},
	)

	g := guard.New(h.messages, memory.NewGuardRepository(), nil, guard.Config{
		SenderDailyCap:     40,
		SenderWeeklyCap:    300,
		RecipientDailyCap:  100,
		BurstWindow:        60 * time.Second,
		BurstMax:           100,
		RejectionLookback:  30 * 24 * time.Hour,
		RejectionRateBlock: 0.5,
		MaxBodyLength:      2000,
	}, testLogger())

	svc, err := notifier.NewService(h.messages, h.prefs, h.directory, template.NewRenderer(),
		g, nil, nil, notifier.Config{
			RecallWindow:    5 * time.Minute,
			QuietHoursStart: "00:00",
			QuietHoursEnd:   "00:00",
		}, testLogger())
	require.NoError(t, err)

	engine := emergency.NewEngine(h.emergencies, h.messages, h.directory, nil,
		emergency.Config{}, testLogger())

	h.router = httptransport.NewRouter(httptransport.RouterConfig{
		JWTAccessSecret: testAccessSecret,
		RateRPS:         100,
		RateBurst:       200,
	},
		httptransport.NewMessageHandler(svc, testLogger()),
		httptransport.NewEmergencyHandler(engine, testLogger()),
		testLogger())
	return h
}

func signToken(t *testing.T, actor domain.Actor) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": actor.ID.String(),
		"unm": actor.Name,
		"rol": string(actor.Role),
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testAccessSecret))
	require.NoError(t, err)
	return signed
}

// do performs one request against the harness router.
func (h *apiHarness) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out), "body: %s", rec.Body.String())
	return out
}

func sendBody(h *apiHarness) map[string]any {
	return map[string]any{
		"category":   "attendance",
		"student_id": h.student,
		"subject":    "Attendance notice",
		"body":       "Ari arrived 20 minutes late today.",
	}
}

func TestSendMessageReturnsCreatedIDs(t *testing.T) {
	h := newAPIHarness(t)
	token := signToken(t, h.teacher)

	rec := h.do(t, http.MethodPost, "/api/v1/messages/send", token, sendBody(h))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	resp := decodeBody[httptransport.SendMessageResponse](t, rec)
	assert.Len(t, resp.MessageIDs, 2, "one message per reachable guardian")
	assert.False(t, resp.Spooled)
}

func TestGetMessageStatusShowsRoleWording(t *testing.T) {
	h := newAPIHarness(t)
	token := signToken(t, h.teacher)

	rec := h.do(t, http.MethodPost, "/api/v1/messages/send", token, sendBody(h))
	require.Equal(t, http.StatusAccepted, rec.Code)
	ids := decodeBody[httptransport.SendMessageResponse](t, rec).MessageIDs

	rec = h.do(t, http.MethodGet, "/api/v1/messages/"+ids[0].String(), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	status := decodeBody[httptransport.MessageStatusResponse](t, rec)
	assert.Equal(t, "queued", status.State)
	assert.Equal(t, "sending soon", status.Status, "teachers get the reassuring wording")
}

func TestGetMessageStatusHiddenFromOtherTeachers(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPost, "/api/v1/messages/send", signToken(t, h.teacher), sendBody(h))
	require.Equal(t, http.StatusAccepted, rec.Code)
	ids := decodeBody[httptransport.SendMessageResponse](t, rec).MessageIDs

	other := domain.Actor{ID: uuid.New(), Role: domain.RoleTeacher, Name: "Mr. Lee"}
	rec = h.do(t, http.MethodGet, "/api/v1/messages/"+ids[0].String(), signToken(t, other), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/messages/"+ids[0].String(), signToken(t, h.admin), nil)
	assert.Equal(t, http.StatusOK, rec.Code, "admins see every message")
}

func TestSendMessageOptOutMapsTo422(t *testing.T) {
	h := newAPIHarness(t)
	require.NoError(t, h.prefs.Upsert(context.Background(), domain.GuardianPreference{
		GuardianID: h.guardianA,
		OptOuts:    []domain.OptOut{{Scope: domain.OptOutGlobal, Reason: "parent request"}},
	}))

	body := map[string]any{
		"category":    "learning_update",
		"student_id":  h.student,
		"guardian_id": h.guardianA,
		"body":        "This week Ari finished the fractions unit.",
	}
	rec := h.do(t, http.MethodPost, "/api/v1/messages/send", signToken(t, h.teacher), body)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())

	resp := decodeBody[httptransport.GenericErrorResponse](t, rec)
	assert.Equal(t, string(domain.DenialOptedOut), resp.Code)
	assert.Equal(t, "global opt-out", resp.Error)
}

func TestSendMessageRateLimitMapsTo429(t *testing.T) {
	h := newAPIHarness(t)
	ctx := context.Background()
	for i := 0; i < 40; i++ {
		m := domain.NewMessage(uuid.New(), domain.CategoryAttendance, domain.PriorityNormal,
			h.student, h.guardianA, h.teacher.ID, "s", "b",
			[]domain.Channel{domain.ChannelPush}, "")
		m.State = domain.StateSent
		m.CreatedAt = time.Now().UTC().Add(-time.Hour)
		require.NoError(t, h.messages.Create(ctx, m))
	}

	body := sendBody(h)
	body["guardian_id"] = h.guardianA
	rec := h.do(t, http.MethodPost, "/api/v1/messages/send", signToken(t, h.teacher), body)
	require.Equal(t, http.StatusTooManyRequests, rec.Code, rec.Body.String())

	resp := decodeBody[httptransport.GenericErrorResponse](t, rec)
	assert.Equal(t, string(domain.DenialRateLimited), resp.Code)
}

func TestSendMessageUnknownTemplateMapsTo400(t *testing.T) {
	h := newAPIHarness(t)

	body := map[string]any{
		"category":      "attendance",
		"student_id":    h.student,
		"template_name": "no_such_template",
	}
	rec := h.do(t, http.MethodPost, "/api/v1/messages/send", signToken(t, h.teacher), body)
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
}

func TestRecallMessage(t *testing.T) {
	h := newAPIHarness(t)
	teacherToken := signToken(t, h.teacher)

	rec := h.do(t, http.MethodPost, "/api/v1/messages/send", teacherToken, sendBody(h))
	require.Equal(t, http.StatusAccepted, rec.Code)
	ids := decodeBody[httptransport.SendMessageResponse](t, rec).MessageIDs

	other := domain.Actor{ID: uuid.New(), Role: domain.RoleTeacher}
	rec = h.do(t, http.MethodPost, "/api/v1/messages/"+ids[0].String()+"/recall", signToken(t, other), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code, "only the sender or an admin may recall")

	rec = h.do(t, http.MethodPost, "/api/v1/messages/"+ids[0].String()+"/recall", teacherToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	msg, err := h.messages.GetByID(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, msg.State)
}

func TestRetryMessageRequiresAdmin(t *testing.T) {
	h := newAPIHarness(t)
	ctx := context.Background()

	rec := h.do(t, http.MethodPost, "/api/v1/messages/send", signToken(t, h.teacher), sendBody(h))
	require.Equal(t, http.StatusAccepted, rec.Code)
	ids := decodeBody[httptransport.SendMessageResponse](t, rec).MessageIDs

	msg, err := h.messages.GetByID(ctx, ids[0])
	require.NoError(t, err)
	msg.State = domain.StateExhausted
	msg.AttemptCount = 3
	require.NoError(t, h.messages.Update(ctx, msg))

	path := "/api/v1/messages/" + ids[0].String() + "/retry"
	rec = h.do(t, http.MethodPost, path, signToken(t, h.teacher), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, http.MethodPost, path, signToken(t, h.admin), httptransport.RetryMessageRequest{Priority: "high"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	status := decodeBody[httptransport.MessageStatusResponse](t, rec)
	assert.Equal(t, "queued", status.State)
	assert.Equal(t, "high", status.Priority)
	assert.Zero(t, status.AttemptCount)
}

func TestGrantOverrideEndpoint(t *testing.T) {
	h := newAPIHarness(t)
	body := httptransport.GrantOverrideRequest{
		SenderID:        h.teacher.ID,
		Multiplier:      2.0,
		DurationMinutes: 120,
		Reason:          "field trip day",
	}

	rec := h.do(t, http.MethodPost, "/api/v1/overrides", signToken(t, h.teacher), body)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/overrides", signToken(t, h.admin), body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decodeBody[httptransport.GrantOverrideResponse](t, rec)
	assert.Equal(t, 2.0, resp.Multiplier)
	assert.Equal(t, h.teacher.ID, resp.SenderID)

	body.Multiplier = 0.5
	rec = h.do(t, http.MethodPost, "/api/v1/overrides", signToken(t, h.admin), body)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "a multiplier below 1.0 is rejected")
}
