package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/tbouder/echoscribe/internal/audio"
	"github.com/tbouder/echoscribe/internal/batch"
	"github.com/tbouder/echoscribe/internal/llm"
	"github.com/tbouder/echoscribe/internal/session"
)

// Credentials manages the stored provider API key.
type Credentials interface {
	Key() (string, bool)
	Set(key string) error
	Clear() error
}

// BatchRunner transcribes a set of files and keeps the last run's results.
type BatchRunner interface {
	Process(ctx context.Context, client llm.Client, files []batch.File) []batch.Item
	Load() ([]batch.Item, bool)
	Clear() error
}

// Exporter writes a transcript plus conversation to a local file.
type Exporter interface {
	Export(transcript string, lines []string) (string, error)
}

type ControlHooks struct {
	// OnKeySet runs after a credential is stored, so recovery of a saved
	// session can be kicked off.
	OnKeySet func()
	// NewGateway builds a provider client from the stored credential and the
	// machine's current model.
	NewGateway func() (llm.Client, error)
	// OnExport runs after a transcript export is written, with the file path.
	OnExport func(path string)
	Warnings func() []string
}

type sessionResponse struct {
	Status      session.Status `json:"status"`
	Error       string         `json:"error,omitempty"`
	Transcript  string         `json:"transcript"`
	ChatHistory []session.Turn `json:"chatHistory"`
	Model       string         `json:"model"`
	Chatting    bool           `json:"chatting"`
	HasAudio    bool           `json:"has_audio"`
}

func toSessionResponse(snap session.Snapshot) sessionResponse {
	history := snap.ChatHistory
	if history == nil {
		history = []session.Turn{}
	}
	return sessionResponse{
		Status:      snap.Status,
		Error:       snap.Error,
		Transcript:  snap.Transcript,
		ChatHistory: history,
		Model:       snap.Model,
		Chatting:    snap.Chatting,
		HasAudio:    len(snap.Audio) > 0,
	}
}

type audioPayload struct {
	Data string `json:"data"`
	Type string `json:"type"`
}

func registerAPIRoutes(mux *http.ServeMux, machine *session.Machine, creds Credentials, batchRunner BatchRunner, exporter Exporter, controls ControlHooks) {
	mux.HandleFunc("POST /api/key", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Key string `json:"key"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := creds.Set(req.Key); err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		if controls.OnKeySet != nil {
			controls.OnKeySet()
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("DELETE /api/key", func(w http.ResponseWriter, r *http.Request) {
		if err := creds.Clear(); err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("clear key: %v", err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /api/session", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, toSessionResponse(machine.Snapshot()))
	})

	mux.HandleFunc("GET /api/session/audio", func(w http.ResponseWriter, r *http.Request) {
		snap := machine.Snapshot()
		if len(snap.Audio) == 0 {
			writeJSONError(w, http.StatusNotFound, "audio not available")
			return
		}
		w.Header().Set("Content-Type", snap.AudioType)
		_, _ = w.Write(snap.Audio)
	})

	mux.HandleFunc("POST /api/audio", func(w http.ResponseWriter, r *http.Request) {
		var req audioPayload
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		blob, err := audio.Decode(req.Data, req.Type)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		snap := machine.Submit(r.Context(), blob.Data, blob.MIMEType)
		writeJSON(w, http.StatusOK, toSessionResponse(snap))
	})

	mux.HandleFunc("POST /api/chat", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Text  string `json:"text"`
			Audio string `json:"audio"`
			Type  string `json:"audio_type"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		var audioBytes []byte
		var audioMIME string
		if req.Audio != "" {
			blob, err := audio.Decode(req.Audio, req.Type)
			if err != nil {
				writeJSONError(w, http.StatusBadRequest, err.Error())
				return
			}
			audioBytes = blob.Data
			audioMIME = blob.MIMEType
		}

		err := machine.SendMessage(r.Context(), req.Text, audioBytes, audioMIME)
		switch {
		case errors.Is(err, session.ErrBusy):
			writeJSONError(w, http.StatusConflict, err.Error())
			return
		case errors.Is(err, session.ErrNoChat):
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		case err != nil:
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, toSessionResponse(machine.Snapshot()))
	})

	mux.HandleFunc("POST /api/reprocess", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model string `json:"model"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		snap := machine.Reprocess(r.Context(), req.Model)
		writeJSON(w, http.StatusOK, toSessionResponse(snap))
	})

	mux.HandleFunc("POST /api/reset", func(w http.ResponseWriter, r *http.Request) {
		machine.Reset()
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /api/model", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model string `json:"model"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if _, _, err := llm.ParseModel(req.Model); err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		machine.SetModel(req.Model)
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /api/recording", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Active bool `json:"active"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		machine.SetRecording(req.Active)
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /api/session/export", func(w http.ResponseWriter, r *http.Request) {
		snap := machine.Snapshot()
		if snap.Status != session.StatusSuccess {
			writeJSONError(w, http.StatusConflict, "no completed session to export")
			return
		}
		lines := make([]string, 0, len(snap.ChatHistory))
		for _, turn := range snap.ChatHistory {
			lines = append(lines, turn.FormatMarkdown())
		}
		path, err := exporter.Export(snap.Transcript, lines)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("export session: %v", err))
			return
		}
		if controls.OnExport != nil {
			controls.OnExport(path)
		}
		writeJSON(w, http.StatusOK, map[string]string{"path": path})
	})

	mux.HandleFunc("POST /api/batch", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Files []struct {
				Name string `json:"name"`
				Data string `json:"data"`
				Type string `json:"type"`
			} `json:"files"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if len(req.Files) == 0 {
			writeJSONError(w, http.StatusBadRequest, "no files provided")
			return
		}

		client, err := controls.NewGateway()
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, err.Error())
			return
		}

		files := make([]batch.File, 0, len(req.Files))
		for _, f := range req.Files {
			blob, err := audio.Decode(f.Data, f.Type)
			if err != nil {
				writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("%s: %v", f.Name, err))
				return
			}
			files = append(files, batch.File{Name: f.Name, Data: blob.Data, MIMEType: blob.MIMEType})
		}

		items := batchRunner.Process(r.Context(), client, files)
		writeJSON(w, http.StatusOK, items)
	})

	mux.HandleFunc("GET /api/batch", func(w http.ResponseWriter, r *http.Request) {
		items, ok := batchRunner.Load()
		if !ok {
			items = []batch.Item{}
		}
		writeJSON(w, http.StatusOK, items)
	})

	mux.HandleFunc("DELETE /api/batch", func(w http.ResponseWriter, r *http.Request) {
		if err := batchRunner.Clear(); err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("clear batch: %v", err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		_, hasKey := creds.Key()
		var warnings []string
		if controls.Warnings != nil {
			warnings = controls.Warnings()
		}
		if warnings == nil {
			warnings = []string{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   machine.Status(),
			"has_key":  hasKey,
			"warnings": warnings,
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
