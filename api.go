package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

const (
	maxBodyBytes = 1 << 20

	sessionCookieName = "wherebox_session"
	sessionHeader     = "X-Round-Session"
)

type countResponse struct {
	Count int `json:"count"`
}

type reloadResponse struct {
	Reloaded bool `json:"reloaded"`
	Count    int  `json:"count"`
}

type credentialRequest struct {
	Credential string `json:"credential"`
}

type scoreRequest struct {
	Credential string          `json:"credential"`
	Score      json.RawMessage `json:"score"`
}

// savedScore is the trimmed record echoed back after a save.
type savedScore struct {
	ID        int64     `json:"id"`
	Score     int64     `json:"score"`
	Timestamp time.Time `json:"timestamp"`
}

type saveScoreResponse struct {
	Success bool       `json:"success"`
	Score   savedScore `json:"score"`
}

type scoresResponse struct {
	Success bool          `json:"success"`
	Scores  []ScoreRecord `json:"scores"`
}

func serveJSON(cfg *Config, w http.ResponseWriter, r *http.Request, errs chan<- error, status int, v any, label string, startTime time.Time) {
	written, err := writeJSON(w, status, v)
	if err != nil {
		errs <- err

		return
	}

	logf(cfg, "SERVE: %s (%s) to %s in %s",
		label,
		humanReadableSize(written),
		realIP(r),
		time.Since(startTime).Round(time.Microsecond),
	)
}

// roundSessionKey identifies the caller's round session: an explicit
// header or query parameter wins, then the session cookie. A new cookie is
// issued when none of them is present.
func roundSessionKey(cfg *Config, w http.ResponseWriter, r *http.Request) string {
	if cfg.sharedRounds {
		return sharedSessionKey
	}

	if key := r.Header.Get(sessionHeader); key != "" {
		return key
	}
	if key := r.URL.Query().Get("session"); key != "" {
		return key
	}
	if c, err := r.Cookie(sessionCookieName); err == nil && c.Value != "" {
		return c.Value
	}

	key := uuid.NewString()

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    key,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   cfg.scheme() == "https",
	})

	return key
}

// serveLocations dispatches /locations/:id. httprouter cannot register the
// static count and random routes next to the wildcard, so they are matched
// here.
func serveLocations(cfg *Config, svc *Service, errs chan<- error) httprouter.Handle {
	count := serveLocationCount(cfg, svc, errs)
	random := serveRandomLocation(cfg, svc, errs)
	byID := serveLocationByID(cfg, svc, errs)

	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		switch p.ByName("id") {
		case "count":
			count(w, r, p)
		case "random":
			random(w, r, p)
		default:
			byID(w, r, p)
		}
	}
}

func serveLocationCount(cfg *Config, svc *Service, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		startTime := time.Now()

		apiHeaders(cfg, w)

		serveJSON(cfg, w, r, errs, http.StatusOK, countResponse{Count: svc.locations.Count()}, "Location count", startTime)
	}
}

func serveRandomLocation(cfg *Config, svc *Service, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		startTime := time.Now()

		apiHeaders(cfg, w)

		key := roundSessionKey(cfg, w, r)
		w.Header().Set(sessionHeader, key)

		loc, err := svc.nextLocation(r.Context(), key)
		switch {
		case errors.Is(err, ErrEmptyPool):
			writeError(w, http.StatusNotFound, "no locations available")
			return
		case err != nil:
			warnf("ROUND: Failed to select round for session %s: %v", key, err)
			writeError(w, http.StatusInternalServerError, "round selection failed")
			return
		}

		serveJSON(cfg, w, r, errs, http.StatusOK, loc, fmt.Sprintf("Random location %d", loc.ID), startTime)
	}
}

// lookupLocation resolves the :id parameter, answering 400 or 404 itself
// when it cannot.
func lookupLocation(w http.ResponseWriter, locations *LocationStore, p httprouter.Params) (Location, bool) {
	id, err := strconv.Atoi(p.ByName("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return Location{}, false
	}

	loc, ok := locations.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return Location{}, false
	}

	return loc, true
}

func serveLocationByID(cfg *Config, svc *Service, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		startTime := time.Now()

		apiHeaders(cfg, w)

		loc, ok := lookupLocation(w, svc.locations, p)
		if !ok {
			return
		}

		serveJSON(cfg, w, r, errs, http.StatusOK, loc, fmt.Sprintf("Location %d", loc.ID), startTime)
	}
}

// mapLink is the shareable map URL for a location.
func mapLink(loc Location) string {
	return "https://www.google.com/maps/search/?api=1&query=" +
		strconv.FormatFloat(loc.Lat, 'f', -1, 64) + "," +
		strconv.FormatFloat(loc.Lng, 'f', -1, 64)
}

// serveLocationQR renders a PNG QR code pointing at the location on a map,
// for revealing the answer on a second screen.
func serveLocationQR(cfg *Config, svc *Service, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		startTime := time.Now()

		apiHeaders(cfg, w)

		loc, ok := lookupLocation(w, svc.locations, p)
		if !ok {
			return
		}

		const qrSize = 320
		png, err := qrcode.Encode(mapLink(loc), qrcode.Medium, qrSize)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "qr generation failed")
			return
		}

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Content-Length", strconv.Itoa(len(png)))

		written, err := w.Write(png)
		if err != nil {
			errs <- err

			return
		}

		logf(cfg, "SERVE: QR for location %d (%s) to %s in %s",
			loc.ID,
			humanReadableSize(written),
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)
	}
}

func serveReload(cfg *Config, svc *Service, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		startTime := time.Now()

		apiHeaders(cfg, w)

		count := svc.locations.Reload()

		serveJSON(cfg, w, r, errs, http.StatusOK, reloadResponse{Reloaded: true, Count: count}, "Catalog reload", startTime)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// parseScore accepts a bare non-negative JSON integer and nothing else.
func parseScore(raw json.RawMessage) (int64, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return 0, errors.New("score is required")
	}

	score, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errors.New("score must be an integer")
	}
	if score < 0 {
		return 0, ErrNegativeScore
	}

	return score, nil
}

// verifyOrReject runs verification and writes the 401/500 answer itself
// on failure.
func verifyOrReject(svc *Service, w http.ResponseWriter, r *http.Request, credential string) (Identity, bool) {
	identity, err := svc.verify(r.Context(), credential)
	switch {
	case err == nil:
		return identity, true
	case errors.Is(err, ErrVerifierUnconfigured):
		writeError(w, http.StatusInternalServerError, "identity verification is not configured")
	default:
		writeError(w, http.StatusUnauthorized, "invalid credential")
	}

	return Identity{}, false
}

func serveAuth(cfg *Config, svc *Service, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		startTime := time.Now()

		apiHeaders(cfg, w)

		var req credentialRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Credential == "" {
			writeError(w, http.StatusBadRequest, "credential is required")
			return
		}

		identity, ok := verifyOrReject(svc, w, r, req.Credential)
		if !ok {
			return
		}

		serveJSON(cfg, w, r, errs, http.StatusOK, identity, "Sign-in", startTime)
	}
}

func serveSaveScore(cfg *Config, svc *Service, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		startTime := time.Now()

		apiHeaders(cfg, w)

		var req scoreRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Credential == "" {
			writeError(w, http.StatusBadRequest, "credential is required")
			return
		}
		score, err := parseScore(req.Score)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		identity, ok := verifyOrReject(svc, w, r, req.Credential)
		if !ok {
			return
		}

		record, err := svc.submitScore(r.Context(), identity, score)
		if err != nil {
			warnf("SCORE: Failed to save score: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to save score")
			return
		}

		serveJSON(cfg, w, r, errs, http.StatusOK, saveScoreResponse{
			Success: true,
			Score: savedScore{
				ID:        record.ID,
				Score:     record.Score,
				Timestamp: record.Timestamp,
			},
		}, fmt.Sprintf("Saved score %d", record.ID), startTime)
	}
}

func serveUserScores(cfg *Config, svc *Service, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		startTime := time.Now()

		apiHeaders(cfg, w)

		var req credentialRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Credential == "" {
			writeError(w, http.StatusBadRequest, "credential is required")
			return
		}

		identity, ok := verifyOrReject(svc, w, r, req.Credential)
		if !ok {
			return
		}

		records, err := svc.history(r.Context(), identity)
		if err != nil {
			warnf("SCORE: Failed to read score history: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to read scores")
			return
		}

		serveJSON(cfg, w, r, errs, http.StatusOK, scoresResponse{Success: true, Scores: records}, "Score history", startTime)
	}
}

func serveTopScores(cfg *Config, svc *Service, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		startTime := time.Now()

		apiHeaders(cfg, w)

		limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
		if err != nil || limit <= 0 {
			limit = defaultTopLimit
		}

		records, err := svc.top(r.Context(), limit)
		if err != nil {
			warnf("SCORE: Failed to read leaderboard: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to read scores")
			return
		}

		serveJSON(cfg, w, r, errs, http.StatusOK, scoresResponse{Success: true, Scores: records}, "Leaderboard", startTime)
	}
}
