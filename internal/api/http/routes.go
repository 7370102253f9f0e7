package httpapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/shopspring/decimal"

	"github.com/i474232898/station-readings/internal/readings"
	"github.com/i474232898/station-readings/internal/readings/ecowitt"
	"github.com/i474232898/station-readings/internal/refresh"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		for _, key := range []string{"json", "query"} {
			name, _, _ := strings.Cut(f.Tag.Get(key), ",")
			if name == "-" {
				return ""
			}
			if name != "" {
				return name
			}
		}
		return f.Name
	})
	return v
}

// Refresher triggers a refresh cycle for one category.
type Refresher interface {
	Refresh(ctx context.Context, cat readings.Category, force bool) (refresh.Result, error)
}

// Options tunes the read API.
type Options struct {
	// MaxEntries is used when a request does not pass max-entries.
	MaxEntries int
}

// RegisterRoutes wires the HTTP handlers into the Fiber app. Every category
// shares the same handlers under /api/:category.
func RegisterRoutes(app *fiber.App, service *readings.Service, refresher Refresher, opts Options) {
	api := app.Group("/api")

	api.Get("/categories", func(c *fiber.Ctx) error {
		out := make([]fiber.Map, 0, len(readings.Categories()))
		for _, cat := range readings.Categories() {
			out = append(out, fiber.Map{"name": cat.Name, "stats": cat.Stats, "default": cat.Default})
		}
		return c.JSON(out)
	})

	api.Get("/:category", func(c *fiber.Ctx) error {
		cat, err := category(c)
		if err != nil {
			return err
		}

		var req summaryQuery
		if err := c.QueryParser(&req); err != nil {
			return &validationError{details: []string{"query: " + err.Error()}}
		}
		req.normalize()
		if err := validate.Struct(req); err != nil {
			return err
		}

		q, err := req.toQuery(opts.MaxEntries)
		if err != nil {
			return err
		}
		rows, err := service.Summaries(c.UserContext(), cat, q)
		if err != nil {
			return err
		}
		return c.JSON(toRows(rows, q.Timeframe))
	})

	api.Post("/:category", func(c *fiber.Ctx) error {
		cat, err := category(c)
		if err != nil {
			return err
		}

		var req readingRequest
		if err := bindBody(c, &req); err != nil {
			return err
		}
		r, err := req.toReading()
		if err != nil {
			return err
		}

		stored, err := service.Put(c.UserContext(), cat, r)
		if err != nil {
			return err
		}
		return c.Status(fiber.StatusCreated).JSON(toReadingResponse(stored))
	})

	api.Delete("/:category", func(c *fiber.Ctx) error {
		cat, err := category(c)
		if err != nil {
			return err
		}

		var req keyRequest
		if err := bindBody(c, &req); err != nil {
			return err
		}
		date, err := readings.ParseDate(req.Datestamp)
		if err != nil {
			return &validationError{details: []string{"datestamp: " + err.Error()}}
		}

		if err := service.Remove(c.UserContext(), cat, readings.Key{Device: req.Device, Date: date}); err != nil {
			return err
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	api.Put("/:category", func(c *fiber.Ctx) error {
		cat, err := category(c)
		if err != nil {
			return err
		}

		_, err = refresher.Refresh(c.UserContext(), cat, c.QueryBool("force", false))
		if errors.Is(err, refresh.ErrNotDue) {
			return c.Status(fiber.StatusAlreadyReported).JSON(fiber.Map{"message": "No update needed"})
		}
		if err != nil {
			return err
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	api.Post("/:category/import", func(c *fiber.Ctx) error {
		cat, err := category(c)
		if err != nil {
			return err
		}

		n, err := service.Import(c.UserContext(), cat, bytes.NewReader(c.Body()))
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{"category": cat.Name, "imported": n})
	})
}

func category(c *fiber.Ctx) (readings.Category, error) {
	cat, ok := readings.LookupCategory(c.Params("category"))
	if !ok {
		return readings.Category{}, fiber.NewError(fiber.StatusNotFound, fmt.Sprintf("unknown category %q", c.Params("category")))
	}
	return cat, nil
}

func bindBody(c *fiber.Ctx, out any) error {
	if err := c.BodyParser(out); err != nil {
		return &validationError{details: []string{"body: " + err.Error()}}
	}
	return validate.Struct(out)
}

// summaryQuery holds query parameters for the read endpoint.
type summaryQuery struct {
	Timeframe  string `query:"timeframe" validate:"omitempty,oneof=daily weekly monthly yearly"`
	Stat       string `query:"stat" validate:"omitempty,oneof=total high low average"`
	Year       int    `query:"year" validate:"omitempty,min=1,max=9999"`
	Month      int    `query:"month" validate:"omitempty,min=1,max=12"`
	MaxEntries *int   `query:"max-entries" validate:"omitempty,min=0"`
	Device     string `query:"device" validate:"omitempty,max=64"`
}

func (q *summaryQuery) normalize() {
	q.Timeframe = strings.ToLower(strings.TrimSpace(q.Timeframe))
	q.Stat = strings.ToLower(strings.TrimSpace(q.Stat))
	q.Device = strings.TrimSpace(q.Device)
}

func (q summaryQuery) toQuery(defaultMax int) (readings.Query, error) {
	tf, err := readings.ParseTimeframe(q.Timeframe)
	if err != nil {
		return readings.Query{}, &validationError{details: []string{"timeframe: " + err.Error()}}
	}
	var st readings.Stat
	if q.Stat != "" {
		if st, err = readings.ParseStat(q.Stat); err != nil {
			return readings.Query{}, &validationError{details: []string{"stat: " + err.Error()}}
		}
	}
	limit := defaultMax
	if q.MaxEntries != nil {
		limit = *q.MaxEntries
	}
	return readings.Query{
		Timeframe:  tf,
		Stat:       st,
		Filter:     readings.Filter{Year: q.Year, Month: time.Month(q.Month)},
		Device:     q.Device,
		MaxEntries: limit,
	}, nil
}

// readingRequest is the body of a manual write.
type readingRequest struct {
	Device    string           `json:"device" validate:"omitempty,max=64"`
	Datestamp string           `json:"datestamp" validate:"required,datetime=2006-01-02"`
	Value     *decimal.Decimal `json:"value" validate:"required"`
}

func (r readingRequest) toReading() (readings.Reading, error) {
	date, err := readings.ParseDate(r.Datestamp)
	if err != nil {
		return readings.Reading{}, &validationError{details: []string{"datestamp: " + err.Error()}}
	}
	return readings.Reading{Device: strings.TrimSpace(r.Device), Date: date, Value: *r.Value}, nil
}

// keyRequest identifies the reading to delete.
type keyRequest struct {
	Device    string `json:"device" validate:"omitempty,max=64"`
	Datestamp string `json:"datestamp" validate:"required,datetime=2006-01-02"`
}

// jsonDecimal renders a value as a JSON number with its scale intact.
type jsonDecimal decimal.Decimal

func (d jsonDecimal) MarshalJSON() ([]byte, error) {
	return []byte(readings.FormatValue(decimal.Decimal(d))), nil
}

type readingResponse struct {
	Device    string        `json:"device"`
	Datestamp readings.Date `json:"datestamp"`
	Value     jsonDecimal   `json:"value"`
}

func toReadingResponse(r readings.Reading) readingResponse {
	return readingResponse{Device: r.Device, Datestamp: r.Date, Value: jsonDecimal(r.Value)}
}

// summaryRow is one aggregate. Week rows carry both bounds; the rest carry
// the bucket start as datestamp.
type summaryRow struct {
	Device         string         `json:"device,omitempty"`
	Datestamp      *readings.Date `json:"datestamp,omitempty"`
	StartDatestamp *readings.Date `json:"start_datestamp,omitempty"`
	EndDatestamp   *readings.Date `json:"end_datestamp,omitempty"`
	Value          jsonDecimal    `json:"value"`
}

func toRows(rows []readings.Summary, tf readings.Timeframe) []summaryRow {
	out := make([]summaryRow, 0, len(rows))
	for _, s := range rows {
		row := summaryRow{Device: s.Device, Value: jsonDecimal(s.Value)}
		if tf == readings.Weekly {
			start, end := s.Start, s.End
			row.StartDatestamp, row.EndDatestamp = &start, &end
		} else {
			start := s.Start
			row.Datestamp = &start
		}
		out = append(out, row)
	}
	return out
}

// validationError is a malformed request that did not reach the validator.
type validationError struct {
	details []string
}

func (e *validationError) Error() string {
	return strings.Join(e.details, "; ")
}

// ErrorHandler renders every error as {timestamp, status, details} with a
// status derived from the error's type.
func ErrorHandler(c *fiber.Ctx, err error) error {
	code, details := classify(err)
	return c.Status(code).JSON(fiber.Map{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"status":    fmt.Sprintf("%d: %s", code, utils.StatusMessage(code)),
		"details":   details,
	})
}

func classify(err error) (int, []string) {
	var (
		verrs    validator.ValidationErrors
		verr     *validationError
		fiberErr *fiber.Error
		svcErr   *ecowitt.ServiceError
	)
	switch {
	case errors.As(err, &verrs):
		details := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			details = append(details, fieldPath(fe)+": "+fieldMessage(fe))
		}
		return fiber.StatusUnprocessableEntity, details
	case errors.As(err, &verr):
		return fiber.StatusUnprocessableEntity, verr.details
	case errors.Is(err, readings.ErrMalformedCSV), errors.Is(err, readings.ErrStatNotAllowed):
		return fiber.StatusUnprocessableEntity, []string{err.Error()}
	case errors.Is(err, readings.ErrNotFound):
		return fiber.StatusNotFound, []string{err.Error()}
	case ecowitt.IsAuthentication(err):
		return fiber.StatusUnauthorized, []string{err.Error()}
	case errors.As(err, &svcErr):
		return fiber.StatusBadGateway, []string{err.Error()}
	case errors.As(err, &fiberErr):
		return fiberErr.Code, []string{fiberErr.Message}
	default:
		return fiber.StatusInternalServerError, []string{"internal server error"}
	}
}

// fieldPath drops the root struct name from the validator namespace.
func fieldPath(fe validator.FieldError) string {
	_, path, ok := strings.Cut(fe.Namespace(), ".")
	if !ok {
		return fe.Field()
	}
	return path
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "field required"
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "datetime":
		return "must be a date formatted YYYY-MM-DD"
	default:
		return "failed " + fe.Tag() + " validation"
	}
}
