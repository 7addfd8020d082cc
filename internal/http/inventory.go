package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/example/bloodlink/internal/apperr"
	"github.com/example/bloodlink/internal/archive"
	"github.com/example/bloodlink/internal/bloodtype"
	"github.com/example/bloodlink/internal/inventory"
	"github.com/example/bloodlink/internal/models"
	"github.com/example/bloodlink/internal/policy"
)

type addUnitInput struct {
	DonorID        string    `json:"donor_id"`
	InstitutionID  string    `json:"institution_id"`
	BloodType      string    `json:"blood_type" validate:"required"`
	VolumeML       int       `json:"volume_ml" validate:"min=50,max=500"`
	CollectionDate time.Time `json:"collection_date"`
	ExpiryDate     time.Time `json:"expiry_date"`
	QualityScore   int       `json:"quality_score" validate:"min=0,max=100"`
}

func (s *Server) handleAddUnit(w http.ResponseWriter, r *http.Request) {
	var in addUnitInput
	if err := s.decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	if in.InstitutionID == "" {
		in.InstitutionID = actorFrom(r).InstitutionID
	}
	if err := s.authorize(r, policy.Resource{Kind: "blood_unit", InstitutionID: in.InstitutionID}, policy.ActionInventoryManage, "inventory"); err != nil {
		s.writeError(w, r, err)
		return
	}
	bt, err := bloodtype.Parse(in.BloodType)
	if err != nil {
		s.writeError(w, r, apperr.Field("blood_type", "unknown blood type"))
		return
	}
	u, err := s.Inventory.AddUnit(r.Context(), inventory.NewUnit{
		DonorID:        in.DonorID,
		InstitutionID:  in.InstitutionID,
		BloodType:      bt,
		VolumeML:       in.VolumeML,
		CollectionDate: in.CollectionDate,
		ExpiryDate:     in.ExpiryDate,
		QualityScore:   in.QualityScore,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, u)
}

func (s *Server) handleGetUnit(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.authorize(r, policy.Resource{Kind: "blood_unit"}, policy.ActionInventoryRead, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	u, err := s.Inventory.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, u)
}

// manageUnit loads a unit and checks the caller may change it.
func (s *Server) manageUnit(r *http.Request, id string) error {
	u, err := s.Inventory.Get(r.Context(), id)
	if err != nil {
		return err
	}
	return s.authorize(r, policy.Resource{Kind: "blood_unit", InstitutionID: u.InstitutionID}, policy.ActionInventoryManage, id)
}

type testResultsInput struct {
	HIV        models.TestResult `json:"hiv" validate:"required,oneof=negative positive pending"`
	HepatitisB models.TestResult `json:"hepatitis_b" validate:"required,oneof=negative positive pending"`
	HepatitisC models.TestResult `json:"hepatitis_c" validate:"required,oneof=negative positive pending"`
	Syphilis   models.TestResult `json:"syphilis" validate:"required,oneof=negative positive pending"`
	Malaria    models.TestResult `json:"malaria" validate:"required,oneof=negative positive pending"`
}

func (s *Server) handleRecordTests(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var in testResultsInput
	if err := s.decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.manageUnit(r, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	u, err := s.Inventory.RecordTests(r.Context(), id, models.TestPanel(in))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, u)
}

func (s *Server) handleMarkUsed(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.manageUnit(r, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Inventory.MarkUsed(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	u, err := s.Inventory.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, u)
}

type reserveInput struct {
	RequestID        string                  `json:"request_id" validate:"required"`
	BloodType        string                  `json:"blood_type"`
	UnitsNeeded      int                     `json:"units_needed" validate:"min=0,max=10"`
	ExpiryPreference models.ExpiryPreference `json:"expiry_preference" validate:"omitempty,oneof=oldest_first newest_first"`
}

// requestForInventory loads a request and checks the caller may move stock
// for it.
func (s *Server) requestForInventory(r *http.Request, requestID string) (*models.BloodRequest, error) {
	req, err := s.Workflow.Get(r.Context(), actorFrom(r), requestID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(r, policy.ForRequest(req), policy.ActionInventoryReserve, requestID); err != nil {
		return nil, err
	}
	return req, nil
}

// handleReserve earmarks units for a request. Blood type defaults to the
// request's own and count to the units it still lacks; a request never
// holds more than units_needed.
func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request) {
	var in reserveInput
	if err := s.decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := s.requestForInventory(r, in.RequestID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Status.Terminal() {
		s.writeError(w, r, apperr.Conflict("request is "+string(req.Status)))
		return
	}
	bt := req.BloodType
	if in.BloodType != "" {
		if bt, err = bloodtype.Parse(in.BloodType); err != nil {
			s.writeError(w, r, apperr.Field("blood_type", "unknown blood type"))
			return
		}
		if !bt.CanDonateTo(req.BloodType) {
			s.writeError(w, r, apperr.Field("blood_type", string(bt)+" cannot be given to a "+string(req.BloodType)+" patient"))
			return
		}
	}
	n := in.UnitsNeeded
	if n == 0 {
		held, err := s.Inventory.Held(r.Context(), req.ID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if n = req.UnitsNeeded - held; n <= 0 {
			s.writeError(w, r, apperr.Conflict("request already holds "+strconv.Itoa(held)+" units"))
			return
		}
	}
	res, err := s.Inventory.Reserve(r.Context(), inventory.ReserveInput{
		BloodType:   bt,
		UnitsNeeded: n,
		RequestID:   req.ID,
		Preference:  in.ExpiryPreference,
		MaxHeld:     req.UnitsNeeded,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

type releaseInput struct {
	RequestID string `json:"request_id" validate:"required"`
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var in releaseInput
	if err := s.decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.requestForInventory(r, in.RequestID); err != nil {
		s.writeError(w, r, err)
		return
	}
	n, err := s.Inventory.Release(r.Context(), in.RequestID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]int{"released": n})
}

func (s *Server) handleExpire(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r, policy.Resource{Kind: "blood_unit"}, policy.ActionInventorySweep, "inventory"); err != nil {
		s.writeError(w, r, err)
		return
	}
	rep, err := s.Inventory.ProcessExpired(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, rep)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r, policy.Resource{Kind: "blood_unit"}, policy.ActionInventoryRead, "inventory"); err != nil {
		s.writeError(w, r, err)
		return
	}
	sum, err := s.Inventory.Summary(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, sum)
}

// handleExport streams the inventory as xlsx. With ?archive=true the
// workbook is also stored in the report bucket and its location returned
// in X-Archive-URL.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r, policy.Resource{Kind: "blood_unit"}, policy.ActionInventoryRead, "inventory"); err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	f := inventory.Filter{
		Status:        models.UnitStatus(q.Get("status")),
		InstitutionID: q.Get("institution_id"),
	}
	if v := q.Get("blood_type"); v != "" {
		bt, err := bloodtype.Parse(v)
		if err != nil {
			s.writeError(w, r, apperr.Field("blood_type", "unknown blood type"))
			return
		}
		f.BloodType = bt
	}
	body, err := s.Inventory.Export(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	now := time.Now().UTC()
	if archiveParam, _ := strconv.ParseBool(q.Get("archive")); archiveParam {
		if s.Archive == nil {
			s.writeError(w, r, apperr.Conflict("report archive is not configured"))
			return
		}
		url, err := s.Archive.Upload(r.Context(), archive.ReportKey("inventory", now), archive.XLSXContentType, body)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.logger.Info("inventory report archived", zap.String("url", url))
		w.Header().Set("X-Archive-URL", url)
	}
	w.Header().Set("Content-Type", archive.XLSXContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="inventory-`+now.Format("20060102-150405")+`.xlsx"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
