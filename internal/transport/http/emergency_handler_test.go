package http_test

import (
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httptransport "github.com/classping/notify/internal/transport/http"
)

func TestEmergencyLifecycleOverHTTP(t *testing.T) {
	h := newAPIHarness(t)
	adminToken := signToken(t, h.admin)

	rec := h.do(t, http.MethodPost, "/api/v1/emergencies", adminToken, httptransport.InitiateEmergencyRequest{
		Type:     "closure",
		Severity: "high",
		Title:    "Early dismissal",
		Body:     "School closes at noon today due to a water outage.",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	incident := decodeBody[httptransport.EmergencyResponse](t, rec)
	assert.Equal(t, "initiated", incident.State)
	assert.Zero(t, incident.RecipientsTotal, "nothing is sent before broadcast")

	base := "/api/v1/emergencies/" + incident.ID.String()

	rec = h.do(t, http.MethodPost, base+"/broadcast", adminToken, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	incident = decodeBody[httptransport.EmergencyResponse](t, rec)
	assert.Equal(t, "broadcasting", incident.State)
	assert.Equal(t, 2, incident.RecipientsTotal)
	assert.Equal(t, 2, incident.PendingAcks)

	rec = h.do(t, http.MethodPost, base+"/acknowledge", adminToken, httptransport.AcknowledgeRequest{
		GuardianID: h.guardianA,
		Channel:    "push",
		Method:     "app_tap",
	})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = h.do(t, http.MethodGet, base, adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	incident = decodeBody[httptransport.EmergencyResponse](t, rec)
	assert.Equal(t, 1, incident.AckedCount)
	assert.Equal(t, 1, incident.PendingAcks)
	require.Len(t, incident.Acknowledgments, 1)
	assert.Equal(t, h.guardianA, incident.Acknowledgments[0].GuardianID)

	rec = h.do(t, http.MethodPost, base+"/resolve", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	incident = decodeBody[httptransport.EmergencyResponse](t, rec)
	assert.Equal(t, "resolved", incident.State)
}

func TestEmergencyInitiateValidation(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPost, "/api/v1/emergencies", signToken(t, h.admin), httptransport.InitiateEmergencyRequest{
		Type:     "bake_sale",
		Severity: "high",
		Title:    "t",
		Body:     "b",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
}

func TestEmergencyCancelRequiresAdmin(t *testing.T) {
	h := newAPIHarness(t)
	teacherToken := signToken(t, h.teacher)

	rec := h.do(t, http.MethodPost, "/api/v1/emergencies", teacherToken, httptransport.InitiateEmergencyRequest{
		Type:     "weather",
		Severity: "medium",
		Title:    "Storm watch",
		Body:     "Buses may run late this afternoon.",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	incident := decodeBody[httptransport.EmergencyResponse](t, rec)

	rec = h.do(t, http.MethodPost, "/api/v1/emergencies/"+incident.ID.String()+"/cancel", teacherToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code, "initiating teachers cannot cancel on their own")

	rec = h.do(t, http.MethodPost, "/api/v1/emergencies/"+incident.ID.String()+"/cancel", signToken(t, h.admin), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	incident = decodeBody[httptransport.EmergencyResponse](t, rec)
	assert.Equal(t, "cancelled", incident.State)
}

func TestEmergencyForceResend(t *testing.T) {
	h := newAPIHarness(t)
	adminToken := signToken(t, h.admin)

	rec := h.do(t, http.MethodPost, "/api/v1/emergencies", adminToken, httptransport.InitiateEmergencyRequest{
		Type:     "safety",
		Severity: "critical",
		Title:    "Lockdown drill activated",
		Body:     "Students are safe; pickup is delayed until 15:30.",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	incident := decodeBody[httptransport.EmergencyResponse](t, rec)

	base := "/api/v1/emergencies/" + incident.ID.String()
	rec = h.do(t, http.MethodPost, base+"/broadcast", adminToken, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = h.do(t, http.MethodPost, base+"/resend", adminToken, httptransport.ResendRequest{
		GuardianID: h.guardianA,
		Channel:    "sms",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	resp := decodeBody[map[string]string](t, rec)
	assert.Equal(t, "sms", resp["channel"])
	_, err := uuid.Parse(resp["message_id"])
	assert.NoError(t, err)
}

func TestEmergencyGetUnknownID(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodGet, "/api/v1/emergencies/"+uuid.NewString(), signToken(t, h.admin), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/emergencies/not-a-uuid", signToken(t, h.admin), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
