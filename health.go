/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
)

type healthResponse struct {
	Status    string `json:"status"`
	Locations int    `json:"locations"`
}

// serveHealthCheck reports ok even with an empty catalog; a bad catalog is
// recovered with /reload, not by restarting the process.
func serveHealthCheck(cfg *Config, svc *Service, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		startTime := time.Now()

		apiHeaders(cfg, w)

		serveJSON(cfg, w, r, errs, http.StatusOK, healthResponse{
			Status:    "ok",
			Locations: svc.locations.Count(),
		}, "Health check", startTime)
	}
}

func serveRobots(cfg *Config, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		data := `User-agent: *
Disallow: /`

		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		securityHeaders(cfg, w)

		_, err := w.Write([]byte(data))
		if err != nil {
			errs <- err

			return
		}
	}
}
