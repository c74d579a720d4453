package client

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	httpsrv "github.com/shivay/dispatch-service/infra/server/http"
	"github.com/shivay/dispatch-service/internal/domain/model"
	"github.com/shivay/dispatch-service/internal/handler/rest"
)

const pageSize = 100

// APIError is a non-2xx answer of the dispatch API. It unwraps to the
// domain error kind named in the body, so callers can use errors.Is.
type APIError struct {
	Status int
	Body   httpsrv.ErrorBody
}

func (e *APIError) Error() string {
	return fmt.Sprintf("dispatch api %d %s: %s", e.Status, e.Body.Error, e.Body.Message)
}

func (e *APIError) Unwrap() error {
	for _, k := range []error{
		model.ErrValidation, model.ErrNotFound, model.ErrInvalidTransition, model.ErrPrecondition,
		model.ErrCapacity, model.ErrBusy, model.ErrConflict, model.ErrUnavailable,
	} {
		if k.Error() == e.Body.Error {
			return k
		}
	}
	return nil
}

// Client is a read-mostly HTTP client for operator tooling.
type Client struct {
	http *resty.Client
}

func New(baseURL, actor string, timeout time.Duration) *Client {
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Accept", "application/json").
		SetHeader(httpsrv.HeaderActorID, actor)
	c.AddRetryCondition(func(r *resty.Response, err error) bool {
		return err != nil || r.StatusCode() == 503
	})
	return &Client{http: c}
}

func (c *Client) get(ctx context.Context, path string, query map[string]string, out any) error {
	var apiErr httpsrv.ErrorBody
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(query).
		SetResult(out).
		SetError(&apiErr).
		Get(path)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	if resp.IsError() {
		return &APIError{Status: resp.StatusCode(), Body: apiErr}
	}
	return nil
}

func (c *Client) Health(ctx context.Context) error {
	var body map[string]string
	return c.get(ctx, "/healthz", nil, &body)
}

func (c *Client) HubStats(ctx context.Context) (*model.HubStats, error) {
	var stats model.HubStats
	if err := c.get(ctx, "/debug/hub", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func (c *Client) Case(ctx context.Context, id string) (*model.EmergencyCase, error) {
	var out model.EmergencyCase
	if err := c.get(ctx, "/v1/case/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Assignments(ctx context.Context, caseID string) ([]*model.AssignmentRecord, error) {
	var out rest.AssignmentListResponse
	if err := c.get(ctx, "/v1/case/"+caseID+"/assignments", nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// ListCases fetches one page of cases matching statuses.
func (c *Client) ListCases(ctx context.Context, statuses []model.CaseStatus, skip, limit int) (*rest.CaseListResponse, error) {
	q := map[string]string{
		"skip":  strconv.Itoa(skip),
		"limit": strconv.Itoa(limit),
	}
	if len(statuses) > 0 {
		parts := make([]string, len(statuses))
		for i, s := range statuses {
			parts[i] = string(s)
		}
		q["status"] = strings.Join(parts, ",")
	}

	var out rest.CaseListResponse
	if err := c.get(ctx, "/v1/cases", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AllCases pages through every case matching statuses.
func (c *Client) AllCases(ctx context.Context, statuses []model.CaseStatus) ([]*model.EmergencyCase, error) {
	var all []*model.EmergencyCase
	for skip := 0; ; {
		page, err := c.ListCases(ctx, statuses, skip, pageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Items...)
		skip += len(page.Items)
		if len(page.Items) == 0 || skip >= page.Total {
			return all, nil
		}
	}
}

func (c *Client) Ambulances(ctx context.Context) ([]*model.Ambulance, error) {
	var out rest.AmbulanceListResponse
	if err := c.get(ctx, "/v1/resource/ambulances", nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Client) Hospitals(ctx context.Context) ([]*model.Hospital, error) {
	var out rest.HospitalListResponse
	if err := c.get(ctx, "/v1/resource/hospitals", nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}
