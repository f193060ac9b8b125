package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/Lllllllleong/casedocumentflow/internal/config"
	"github.com/Lllllllleong/casedocumentflow/internal/models"
	"github.com/Lllllllleong/casedocumentflow/internal/services"
)

var (
	cfg            *config.Config
	uploadInstance *services.UploadFunction
	once           sync.Once
	initErr        error
)

func init() {
	// --- Set up structured logging ---
	cfg, initErr = config.Load()
	if initErr != nil {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	} else {
		slog.SetDefault(cfg.NewLogger())
	}

	functions.HTTP("UploadDocument", handleUploadDocument)
}

// main is required by the Go Functions Framework.
func main() {}

// handleUploadDocument registers a document and returns its upload URL.
func handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		if initErr != nil {
			return
		}
		uploadInstance, initErr = services.NewUploadDocumentFunction(context.Background(), cfg)
	})
	if initErr != nil {
		slog.Error("Critical: Upload function initialization failed", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	caller, err := services.CallerIdentity(r)
	if err != nil {
		slog.Warn("Rejected unauthenticated request", "error", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req models.UploadDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Could not decode request body", "error", err)
		http.Error(w, "Bad Request: could not parse JSON", http.StatusBadRequest)
		return
	}

	res, err := uploadInstance.Process(r.Context(), caller, req)
	switch {
	case errors.Is(err, services.ErrBadRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, services.ErrForbidden):
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	case err != nil:
		slog.Error("Failed to register document", "error", err, "caseId", req.CaseID)
		http.Error(w, "Internal Server Error: processing failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		slog.Error("Failed to write response", "error", err, "caseId", req.CaseID, "documentId", res.DocumentID)
		http.Error(w, "Internal Server Error: failed to encode response", http.StatusInternalServerError)
	}
}
