package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"bloodgrid/internal/agent"
	"bloodgrid/internal/config"
	"bloodgrid/internal/coordinator"
	"bloodgrid/internal/domain"
	"bloodgrid/internal/messaging/inproc"
	"bloodgrid/internal/notify"
	sqlitestore "bloodgrid/internal/store/sqlite"
)

type app struct {
	store    *sqlitestore.Store
	svc      *coordinator.Service
	hospital *agent.Hospital
	donors   *agent.DonorMatcher
	scout    *agent.InventoryScout
	planner  *agent.Planner
	verifier *agent.Verifier
}

func main() {
	configPath := flag.String("config", "", "path to config.toml (default: ~/.bloodgrid/config.toml)")
	addrFlag := flag.String("addr", "", "http listen address override")
	dbPathFlag := flag.String("db", "", "sqlite database path override")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if *configPath != "" {
			log.Fatalf("load config: %v", err)
		}
		cfg = config.Config{}.WithDefaults()
	}

	addr := firstNonEmpty(*addrFlag, cfg.Server.Addr)
	dbPath := filepath.Clean(firstNonEmpty(*dbPathFlag, cfg.Server.DBPath))
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("create db directory: %v", err)
		}
	}

	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		log.Fatalf("open sqlite store: %v", err)
	}
	defer func() {
		_ = store.Close()
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("migrate sqlite: %v", err)
	}

	bus := inproc.New(cfg.Coordinator.BusBuffer)
	svcCfg := coordinator.Config{
		DispatchInterval: time.Duration(cfg.Coordinator.DispatchIntervalMS) * time.Millisecond,
		WatchdogInterval: time.Duration(cfg.Coordinator.WatchdogIntervalMS) * time.Millisecond,
		SweepInterval:    time.Duration(cfg.Coordinator.SweepIntervalMS) * time.Millisecond,
		RetryDelay:       time.Duration(cfg.Coordinator.RetryDelayMS) * time.Millisecond,
		MaxRetries:       cfg.Coordinator.MaxRetries,
		DispatchLease:    time.Duration(cfg.Coordinator.LeaseMS) * time.Millisecond,
		ResponseTimeout:  time.Duration(cfg.Coordinator.ResponseTimeoutMin) * time.Minute,
	}
	if cfg.Coordinator.InventoryCheckEnabled {
		svcCfg.InventoryCheckInterval = time.Duration(cfg.Coordinator.InventoryCheckIntervalMS) * time.Millisecond
	}
	svc := coordinator.New(store, bus, svcCfg, log.Default())

	var sender notify.Sender
	if cfg.Notify.WebhookURL != "" {
		sender = notify.NewWebhookSender(cfg.Notify.WebhookURL, time.Duration(cfg.Notify.TimeoutMS)*time.Millisecond, log.Default())
	} else {
		sender = &notify.LogSender{}
	}

	hospital := agent.NewHospital(bus, svc, store, log.Default())
	donors := agent.NewDonorMatcher(
		bus, svc, store, sender,
		cfg.Matching.MaxNotifications,
		cfg.Matching.MinIntervalDays,
		time.Duration(cfg.Coordinator.ResponseTimeoutMin)*time.Minute,
		log.Default(),
	)
	scout := agent.NewInventoryScout(
		bus, svc, store,
		cfg.Matching.RadiusStepsKm,
		time.Duration(cfg.Coordinator.ReservationExpiryMin)*time.Minute,
		log.Default(),
	)
	planner := agent.NewPlanner(
		bus, svc, store,
		cfg.Logistics.WalkCutoffKm,
		cfg.Logistics.TransitCutoffKm,
		cfg.Logistics.CourierCutoffKm,
		cfg.Logistics.HandlingMinutes,
		log.Default(),
	)
	verifier := agent.NewVerifier(store, cfg.Verification.StrikeLimit, cfg.Verification.SuspensionDays, log.Default())

	svc.Start(ctx)
	hospital.Start(ctx)
	donors.Start(ctx)
	scout.Start(ctx)
	planner.Start(ctx)

	a := &app{
		store:    store,
		svc:      svc,
		hospital: hospital,
		donors:   donors,
		scout:    scout,
		planner:  planner,
		verifier: verifier,
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           loggingMiddleware(a.routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf("bloodgrid started addr=%s db=%s", addr, dbPath)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http server failed: %v", err)
	}
	svc.Wait()
}

func (a *app) routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", a.handleHealth)

	r.Route("/hospitals", func(r chi.Router) {
		r.Post("/", a.handleCreateHospital)
		r.Get("/", a.handleListHospitals)
		r.Put("/{hospitalID}/inventory", a.handleUpsertInventory)
		r.Post("/{hospitalID}/evaluate", a.handleEvaluate)
	})
	r.Post("/inventory/sweep", a.handleSweep)
	r.Get("/inventory", a.handleListInventory)

	r.Route("/donors", func(r chi.Router) {
		r.Post("/", a.handleCreateDonor)
		r.Get("/{donorID}", a.handleGetDonor)
		r.Post("/{donorID}/verify", a.handleVerifyDonor)
		r.Post("/{donorID}/verification", a.handleResolveVerification)
		r.Post("/{donorID}/reactivate", a.handleReactivateDonor)
		r.Get("/{donorID}/eta", a.handleDonorETA)
	})

	r.Route("/alerts", func(r chi.Router) {
		r.Post("/", a.handleCreateAlert)
		r.Get("/", a.handleListAlerts)
		r.Get("/{alertID}", a.handleGetAlert)
		r.Get("/{alertID}/workflow", a.handleGetWorkflow)
		r.Get("/{alertID}/responses", a.handleListResponses)
		r.Get("/{alertID}/events", a.handleListAlertEvents)
		r.Get("/{alertID}/decisions", a.handleListAlertDecisions)
		r.Post("/{alertID}/responses", a.handleDonorResponse)
		r.Post("/{alertID}/select", a.handleSelectMatch)
		r.Post("/{alertID}/timeout", a.handleTimeout)
		r.Post("/{alertID}/confirm-arrival", a.handleConfirmArrival)
		r.Post("/{alertID}/close", a.handleCloseAlert)
		r.Post("/{alertID}/expire", a.handleExpireAlert)
	})

	r.Route("/transports", func(r chi.Router) {
		r.Get("/{transportID}", a.handleGetTransport)
		r.Post("/{transportID}/status", a.handleTransportStatus)
	})

	r.Get("/workflows", a.handleListWorkflows)
	r.Get("/decisions", a.handleListDecisions)
	return r
}

func (a *app) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *app) handleCreateHospital(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID        string  `json:"id"`
		Name      string  `json:"name"`
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("name is required"))
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	h := domain.Hospital{ID: req.ID, Name: req.Name, Latitude: req.Latitude, Longitude: req.Longitude}
	if err := a.store.CreateHospital(r.Context(), h); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, h)
}

func (a *app) handleListHospitals(w http.ResponseWriter, r *http.Request) {
	hospitals, err := a.store.ListHospitals(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hospitals)
}

func (a *app) handleUpsertInventory(w http.ResponseWriter, r *http.Request) {
	hospitalID := chi.URLParam(r, "hospitalID")
	var req struct {
		BloodType      domain.BloodType `json:"blood_type"`
		UnitsAvailable int              `json:"units_available"`
		UnitsReserved  int              `json:"units_reserved"`
		ThresholdUnits int              `json:"threshold_units"`
		Restocked      bool             `json:"restocked"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return
	}
	if !domain.ValidBloodType(req.BloodType) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown blood type %q", req.BloodType))
		return
	}
	if _, err := a.store.GetHospital(r.Context(), hospitalID); err != nil {
		writeDomainError(w, err)
		return
	}
	level := domain.InventoryLevel{
		HospitalID:     hospitalID,
		BloodType:      req.BloodType,
		UnitsAvailable: req.UnitsAvailable,
		UnitsReserved:  req.UnitsReserved,
		ThresholdUnits: req.ThresholdUnits,
	}
	if req.Restocked {
		now := time.Now().UTC()
		level.LastRestockAt = &now
	}
	if err := a.store.UpsertInventoryLevel(r.Context(), level); err != nil {
		writeDomainError(w, err)
		return
	}
	stored, err := a.store.GetInventoryLevel(r.Context(), hospitalID, req.BloodType)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (a *app) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	hospitalID := chi.URLParam(r, "hospitalID")
	var req struct {
		BloodType domain.BloodType `json:"blood_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return
	}
	result, err := a.hospital.EvaluateInventory(r.Context(), hospitalID, req.BloodType)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *app) handleSweep(w http.ResponseWriter, r *http.Request) {
	var req struct {
		HospitalID string `json:"hospital_id"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
	}
	summary, err := a.hospital.MonitorInventory(r.Context(), req.HospitalID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *app) handleListInventory(w http.ResponseWriter, r *http.Request) {
	levels, err := a.store.ListInventoryLevels(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, levels)
}

func (a *app) handleCreateDonor(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID          string           `json:"id"`
		Name        string           `json:"name"`
		BloodGroup  domain.BloodType `json:"blood_group"`
		Latitude    float64          `json:"latitude"`
		Longitude   float64          `json:"longitude"`
		DateOfBirth string           `json:"date_of_birth"`
		Approved    bool             `json:"approved"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("name is required"))
		return
	}
	if !domain.ValidBloodType(req.BloodGroup) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown blood group %q", req.BloodGroup))
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	status := domain.VerificationPending
	if req.Approved {
		status = domain.VerificationApproved
	}
	d := domain.Donor{
		ID:                 req.ID,
		Name:               req.Name,
		BloodGroup:         req.BloodGroup,
		Latitude:           req.Latitude,
		Longitude:          req.Longitude,
		DateOfBirth:        req.DateOfBirth,
		VerificationStatus: status,
		ResponseRate:       0.5,
	}
	if err := a.store.CreateDonor(r.Context(), d); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (a *app) handleGetDonor(w http.ResponseWriter, r *http.Request) {
	donor, err := a.store.GetDonor(r.Context(), chi.URLParam(r, "donorID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, donor)
}

func (a *app) handleVerifyDonor(w http.ResponseWriter, r *http.Request) {
	var req agent.DocumentCheck
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return
	}
	result, err := a.verifier.ProcessDonorVerification(r.Context(), chi.URLParam(r, "donorID"), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *app) handleResolveVerification(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Decision domain.VerificationStatus `json:"decision"`
		Notes    string                    `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return
	}
	result, err := a.verifier.ResolveManualReview(r.Context(), chi.URLParam(r, "donorID"), req.Decision, req.Notes)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *app) handleReactivateDonor(w http.ResponseWriter, r *http.Request) {
	result, err := a.verifier.Reactivate(r.Context(), chi.URLParam(r, "donorID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *app) handleDonorETA(w http.ResponseWriter, r *http.Request) {
	hospitalID := strings.TrimSpace(r.URL.Query().Get("hospital_id"))
	if hospitalID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("hospital_id query parameter is required"))
		return
	}
	requestID := strings.TrimSpace(r.URL.Query().Get("request_id"))
	options, err := a.planner.CalculateDonorETA(r.Context(), chi.URLParam(r, "donorID"), hospitalID, requestID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, options)
}

func (a *app) handleCreateAlert(w http.ResponseWriter, r *http.Request) {
	var req coordinator.CreateAlertInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return
	}
	alert, err := a.svc.CreateAlert(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, alert)
}

func (a *app) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	workflows, err := a.store.ListWorkflowStates(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, workflows)
}

func (a *app) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	status := domain.AlertStatus(strings.TrimSpace(r.URL.Query().Get("status")))
	alerts, err := a.svc.ListAlerts(r.Context(), status, queryInt(r, "limit", 100))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (a *app) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := a.svc.GetAlert(r.Context(), chi.URLParam(r, "alertID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (a *app) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	state, err := a.svc.GetWorkflowState(r.Context(), chi.URLParam(r, "alertID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (a *app) handleListResponses(w http.ResponseWriter, r *http.Request) {
	responses, err := a.svc.ListResponses(r.Context(), chi.URLParam(r, "alertID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, responses)
}

func (a *app) handleListAlertEvents(w http.ResponseWriter, r *http.Request) {
	events, err := a.svc.ListEventsByRequest(r.Context(), chi.URLParam(r, "alertID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (a *app) handleListAlertDecisions(w http.ResponseWriter, r *http.Request) {
	decisions, err := a.svc.ListDecisionsByRequest(r.Context(), chi.URLParam(r, "alertID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decisions)
}

func (a *app) handleDonorResponse(w http.ResponseWriter, r *http.Request) {
	var req coordinator.DonorResponseInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return
	}
	req.RequestID = chi.URLParam(r, "alertID")
	resp, err := a.svc.ProcessDonorResponse(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *app) handleSelectMatch(w http.ResponseWriter, r *http.Request) {
	resp, err := a.svc.SelectOptimalMatch(r.Context(), chi.URLParam(r, "alertID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *app) handleTimeout(w http.ResponseWriter, r *http.Request) {
	result, err := a.svc.HandleNoResponseTimeout(r.Context(), chi.URLParam(r, "alertID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *app) handleConfirmArrival(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DonorID string `json:"donor_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return
	}
	resp, err := a.svc.ConfirmDonorArrival(r.Context(), chi.URLParam(r, "alertID"), req.DonorID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *app) handleCloseAlert(w http.ResponseWriter, r *http.Request) {
	var req domain.FulfillmentDetails
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return
	}
	state, err := a.svc.CloseAlert(r.Context(), chi.URLParam(r, "alertID"), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (a *app) handleExpireAlert(w http.ResponseWriter, r *http.Request) {
	state, err := a.svc.ExpireAlert(r.Context(), chi.URLParam(r, "alertID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (a *app) handleGetTransport(w http.ResponseWriter, r *http.Request) {
	transport, err := a.store.GetTransportRequest(r.Context(), chi.URLParam(r, "transportID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transport)
}

func (a *app) handleTransportStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status domain.TransportStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return
	}
	transport, err := a.planner.UpdateTransportStatus(r.Context(), chi.URLParam(r, "transportID"), req.Status)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transport)
}

func (a *app) handleListDecisions(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	agentParam := strings.TrimSpace(r.URL.Query().Get("agent"))
	var (
		decisions []domain.AgentDecision
		err       error
	)
	if agentParam != "" {
		decisions, err = a.svc.ListDecisionsByAgent(r.Context(), domain.AgentType(agentParam), limit)
	} else {
		decisions, err = a.svc.ListRecentDecisions(r.Context(), limit)
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decisions)
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case domain.IsValidation(err):
		writeError(w, http.StatusBadRequest, err)
	case domain.IsNotFound(err):
		writeError(w, http.StatusNotFound, err)
	case domain.IsConflict(err):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func queryInt(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
