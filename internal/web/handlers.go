package web

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ssuji15/loracloud/internal/errdefs"
	"github.com/ssuji15/loracloud/internal/lifecycle"
	"github.com/ssuji15/loracloud/model"
)

func (s *Server) handleSearchOffers(w http.ResponseWriter, r *http.Request) {
	q := model.OfferQuery{GPUKind: r.URL.Query().Get("gpuType")}
	if v := r.URL.Query().Get("minGpuRam"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, r, errdefs.New(errdefs.KindInvalidArgument, "web.offers", "invalid minGpuRam %q", v))
			return
		}
		q.MinGPURAMGB = n
	}
	if v := r.URL.Query().Get("maxPrice"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeError(w, r, errdefs.New(errdefs.KindInvalidArgument, "web.offers", "invalid maxPrice %q", v))
			return
		}
		q.MaxPricePerHour = f
	}

	offers, err := s.ctrl.SearchOffers(r.Context(), q)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, offers)
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := s.ctrl.ListInstances(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, instances)
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := s.ctrl.GetInstance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleLaunchInstance(w http.ResponseWriter, r *http.Request) {
	var req model.LaunchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" && req.IdempotencyKey == "" {
		req.IdempotencyKey = key
	}

	inst, err := s.ctrl.LaunchInstance(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

func (s *Server) handleStopInstance(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.StopInstance(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "terminated"})
}

func (s *Server) handleOpenTunnel(w http.ResponseWriter, r *http.Request) {
	var req model.TunnelRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	t, err := s.ctrl.OpenTunnel(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleTunnelStatus(w http.ResponseWriter, r *http.Request) {
	t, err := s.ctrl.TunnelStatus(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCloseTunnel(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.CloseTunnel(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (s *Server) handleListTunnels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.ListTunnels())
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.ListJobs(r.URL.Query().Get("instanceId")))
}

func (s *Server) handleStartTraining(w http.ResponseWriter, r *http.Request) {
	var req model.TrainingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	job, err := s.ctrl.StartTraining(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleTrainingConfig(w http.ResponseWriter, r *http.Request) {
	var p model.TrainingParams
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, r, err)
		return
	}
	cfg, err := lifecycle.TrainingConfig(p)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func jobID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errdefs.New(errdefs.KindInvalidArgument, "web.jobID", "invalid job id %q", raw)
	}
	return id, nil
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	job, err := s.ctrl.GetJob(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	job, err := s.ctrl.CancelJob(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.ctrl.DeleteJob(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleListDatasets(w http.ResponseWriter, r *http.Request) {
	datasets, err := s.ctrl.ListDatasets(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, datasets)
}

// handleUploadDataset stores every file of the multipart "files" field.
func (s *Server) handleUploadDataset(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, r, errdefs.New(errdefs.KindInvalidArgument, "web.upload", "invalid multipart form: %v", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		writeError(w, r, errdefs.New(errdefs.KindInvalidArgument, "web.upload", "no files"))
		return
	}

	uploaded := make([]string, 0, len(files))
	for _, fh := range files {
		data, err := readPart(fh)
		if err != nil {
			writeError(w, r, errdefs.New(errdefs.KindInvalidArgument, "web.upload", "read %s: %v", fh.Filename, err))
			return
		}
		key, err := s.ctrl.UploadDatasetFile(r.Context(), name, fh.Filename, data)
		if err != nil {
			writeError(w, r, err)
			return
		}
		uploaded = append(uploaded, key)
	}
	writeJSON(w, http.StatusOK, map[string][]string{"uploaded": uploaded})
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (s *Server) handleDeleteDataset(w http.ResponseWriter, r *http.Request) {
	n, err := s.ctrl.DeleteDataset(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "objects": n})
}

func (s *Server) handleListLoras(w http.ResponseWriter, r *http.Request) {
	loras, err := s.ctrl.ListLoras(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loras)
}

func (s *Server) handleGetLora(w http.ResponseWriter, r *http.Request) {
	l, err := s.ctrl.GetLora(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *Server) handleLoraURL(w http.ResponseWriter, r *http.Request) {
	u, err := s.ctrl.LoraURL(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": u})
}

func (s *Server) handleDownloadLora(w http.ResponseWriter, r *http.Request) {
	l, data, err := s.ctrl.FetchLora(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", l.Name))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleDeleteLora(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.DeleteLora(r.Context(), chi.URLParam(r, "name")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
