package gpsapi

import (
	"encoding/json"
	"net/http"

	"github.com/belediye/bts/internal/auth"
	"github.com/belediye/bts/internal/models"
	"github.com/belediye/bts/internal/services/devicemap"
	"github.com/belediye/bts/internal/services/livemap"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
)

const maxBodyBytes = 1 << 20

type mapDevicesRequest struct {
	Assignments []devicemap.Assignment `json:"assignments"`
}

func (a *API) unmappedDevices(w http.ResponseWriter, r *http.Request) {
	out, err := a.deps.Devices.ListUnmapped(r.Context(), auth.CallerFromContext(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	if out == nil {
		out = []*models.UnmappedDevice{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": out, "count": len(out)})
}

func (a *API) mapDevices(w http.ResponseWriter, r *http.Request) {
	var req mapDevicesRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, errors.Wrapf(models.ErrValidation, "decode body: %v", err))
		return
	}
	res, err := a.deps.Devices.Apply(r.Context(), auth.CallerFromContext(r.Context()), req.Assignments)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": res})
}

func (a *API) unmapDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	n, err := a.deps.Devices.Unmap(r.Context(), auth.CallerFromContext(r.Context()), deviceID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"device_id": deviceID, "updated": n})
}

func (a *API) livePersonnel(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFromContext(r.Context())
	all := a.deps.Live.Snapshot()

	out := make([]livemap.PersonnelState, 0, len(all))
	for _, st := range all {
		if models.IsPrivilegedRole(caller.Role) || st.UserID == caller.UserID {
			out = append(out, st)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"personnel": out, "count": len(out)})
}
