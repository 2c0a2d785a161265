package api

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nanocl-io/nanocl/pkg/errdefs"
	"github.com/nanocl-io/nanocl/pkg/types"
)

const defaultVmDiskGB = 20

func (s *Server) mountVmImages(r chi.Router) {
	r.Route("/images", func(r chi.Router) {
		r.Get("/", s.listVmImages)
		r.Get("/{name}/inspect", s.inspectVmImage)
		r.Post("/{name}/import", s.importVmImage)
		r.Post("/{name}/snapshot/{snap}", s.snapshotVmImage)
		r.Post("/{name}/clone/{clone}", s.cloneVmImage)
		r.Post("/{name}/resize", s.resizeVmImage)
		r.Delete("/{name}", s.deleteVmImage)
	})
}

func (s *Server) listVmImages(w http.ResponseWriter, r *http.Request) {
	list, err := s.Images.List(parseFilter(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) inspectVmImage(w http.ResponseWriter, r *http.Request) {
	img, err := s.Images.Inspect(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, img)
}

// importVmImage receives the raw image bytes, writes them under the
// images directory and registers the file as a base image. A botched
// upload leaves nothing behind.
func (s *Server) importVmImage(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	path := s.Images.ImagePath(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		writeError(w, err)
		return
	}
	f, err := os.Create(path)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := io.Copy(f, r.Body); err != nil {
		f.Close()
		os.Remove(path)
		writeError(w, errdefs.BadInput("image upload failed: %v", err))
		return
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		writeError(w, err)
		return
	}
	img, err := s.Images.Create(r.Context(), name, path)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, img)
}

func (s *Server) snapshotVmImage(w http.ResponseWriter, r *http.Request) {
	base, err := s.Images.Inspect(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	size := uint64(defaultVmDiskGB)
	if v := r.URL.Query().Get("size"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil || n == 0 {
			writeError(w, errdefs.BadInput("invalid snapshot size: %s", v))
			return
		}
		size = n
	}
	img, err := s.Images.CreateSnap(r.Context(), chi.URLParam(r, "snap"), size, base)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, img)
}

// cloneVmImage converts a snapshot back into a standalone base image,
// streaming progress frames until the terminal one.
func (s *Server) cloneVmImage(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Images.Inspect(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	ch, err := s.Images.Clone(r.Context(), chi.URLParam(r, "clone"), snap)
	if err != nil {
		writeError(w, err)
		return
	}
	st := newStream(w)
	for frame := range ch {
		if err := st.Send(frame); err != nil {
			return
		}
	}
}

func (s *Server) resizeVmImage(w http.ResponseWriter, r *http.Request) {
	var payload types.VmImageResizePayload
	if err := decodeBody(r, &payload); err != nil {
		writeError(w, err)
		return
	}
	if payload.Size == 0 {
		writeError(w, errdefs.BadInput("resize size is required"))
		return
	}
	img, err := s.Images.Resize(r.Context(), chi.URLParam(r, "name"), &payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, img)
}

func (s *Server) deleteVmImage(w http.ResponseWriter, r *http.Request) {
	if err := s.Images.Delete(r.Context(), chi.URLParam(r, "name")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, nil)
}
