package portal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const report_entity_search = "client.entity-search"

// parseEntityList returns the objects of a body that is either a list or a
// {Result: [...]} wrapper.
func parseEntityList(body []byte) ([]map[string]any, error) {
	var decoded any
	err := json.Unmarshal(body, &decoded)
	if err != nil {
		return nil, err
	}
	out := []map[string]any{}
	for _, item := range resultList(decoded, 0) {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// entitySearch posts {EntityId, EntityType} to an entity search endpoint
// using the browser session's cookies.
func (c *Client) entitySearch(ctx context.Context, name, endpoint, caseId string, cookies []*http.Cookie) ([]map[string]any, error) {
	ctx, span := tracer.Start(ctx, name)
	defer span.End()
	span.SetAttributes(attribute.String("case_id", caseId))

	if endpoint == "" {
		return []map[string]any{}, nil
	}

	req := c.Http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"EntityId":   caseId,
			"EntityType": c.cfg.EntityType,
		})
	for _, cookie := range cookies {
		req.SetCookie(cookie)
	}
	res, err := req.Post(c.apiUrl(endpoint))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return nil, err
	}
	if res.StatusCode() != http.StatusOK {
		err = fmt.Errorf("%s: status %s", name, res.Status())
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	list, err := parseEntityList(res.Body())
	if err != nil {
		c.tel.ReportWarning(report_entity_search, name, caseId, err)
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return list, nil
}

// Contacts lists the people and companies attached to the case.
func (c *Client) Contacts(ctx context.Context, caseId string, cookies []*http.Cookie) ([]map[string]any, error) {
	return c.entitySearch(ctx, "Contacts", c.cfg.Contacts, caseId, cookies)
}

// Inspections lists the inspections scheduled or completed on the case.
func (c *Client) Inspections(ctx context.Context, caseId string, cookies []*http.Cookie) ([]map[string]any, error) {
	return c.entitySearch(ctx, "Inspections", c.cfg.Inspections, caseId, cookies)
}
