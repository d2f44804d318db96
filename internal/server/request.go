package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/leapstack-labs/leapserve/internal/query"
)

// requestOptions carries the output-shaping switches of one request.
type requestOptions struct {
	engine       string
	encoding     string
	csvSeparator rune
}

// parseRequest flattens query string and JSON body into the loosely typed
// parameter bag, peeling off the reserved keys into plan inputs and
// output options. Body values win over query string values.
func parseRequest(r *http.Request) (map[string]any, query.PlanRequest, requestOptions, error) {
	params := make(map[string]any)
	for key, values := range r.URL.Query() {
		if len(values) == 1 {
			params[key] = values[0]
			continue
		}
		list := make([]any, len(values))
		for i, v := range values {
			list[i] = v
		}
		params[key] = list
	}

	if r.Method == http.MethodPost && r.Body != nil && r.ContentLength != 0 {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return nil, query.PlanRequest{}, requestOptions{}, &query.ValidationError{Msg: "request body is not a JSON object"}
		}
		for k, v := range body {
			params[k] = v
		}
	}

	var req query.PlanRequest
	opts := requestOptions{encoding: "json", csvSeparator: ','}

	if raw, ok := take(params, "limit"); ok {
		n, err := toInt64(raw)
		if err != nil {
			return nil, req, opts, &query.ValidationError{Msg: "limit must be an integer"}
		}
		req.Limit = &n
	}
	if raw, ok := take(params, "offset"); ok {
		n, err := toInt64(raw)
		if err != nil || n < 0 {
			return nil, req, opts, &query.ValidationError{Msg: "offset must be a non-negative integer"}
		}
		req.Offset = n
	}
	if raw, ok := take(params, "$select"); ok {
		req.Select = toStringList(raw)
	}
	if raw, ok := take(params, "$distinct"); ok {
		b, err := toBool(raw)
		if err != nil {
			return nil, req, opts, &query.ValidationError{Msg: "$distinct must be a boolean"}
		}
		req.Distinct = b
	}
	if raw, ok := take(params, "jsonify_complex"); ok {
		b, err := toBool(raw)
		if err != nil {
			return nil, req, opts, &query.ValidationError{Msg: "jsonify_complex must be a boolean"}
		}
		req.JSONifyComplex = b
	}
	if raw, ok := take(params, "format"); ok {
		opts.encoding = strings.ToLower(fmt.Sprint(raw))
	}
	if raw, ok := take(params, "$encoding"); ok {
		opts.encoding = strings.ToLower(fmt.Sprint(raw))
	}
	switch opts.encoding {
	case "json":
	case "csv":
		req.FlatFormat = true
	default:
		return nil, req, opts, &query.ValidationError{Msg: fmt.Sprintf("unsupported encoding %q", opts.encoding)}
	}
	if raw, ok := take(params, "$csv_separator"); ok {
		sep := fmt.Sprint(raw)
		if len([]rune(sep)) != 1 {
			return nil, req, opts, &query.ValidationError{Msg: "$csv_separator must be a single character"}
		}
		opts.csvSeparator = []rune(sep)[0]
	}
	if raw, ok := take(params, "$engine"); ok {
		opts.engine = fmt.Sprint(raw)
	}

	// Search and proximity keys stay in the parameter bag; the filter
	// builder ignores keys that match no declared parameter.
	if raw, ok := params["search"]; ok {
		req.SearchQuery = fmt.Sprint(raw)
	}
	for key, dst := range map[string]**float64{"lat": &req.Lat, "lon": &req.Lon, "distance_m": &req.DistanceM} {
		raw, ok := params[key]
		if !ok {
			continue
		}
		f, err := toFloat64(raw)
		if err != nil {
			return nil, req, opts, &query.ValidationError{Msg: fmt.Sprintf("%s must be a number", key)}
		}
		*dst = &f
	}

	return params, req, opts, nil
}

func take(params map[string]any, key string) (any, bool) {
	v, ok := params[key]
	if ok {
		delete(params, key)
	}
	return v, ok
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case float64:
		return int64(n), nil
	case int64:
		return n, nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("not an integer: %v", v)
	}
}

func toFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case string:
		return strconv.ParseFloat(n, 64)
	default:
		return 0, fmt.Errorf("not a number: %v", v)
	}
}

func toBool(v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		return strconv.ParseBool(b)
	default:
		return false, fmt.Errorf("not a boolean: %v", v)
	}
}

func toStringList(v any) []string {
	switch list := v.(type) {
	case string:
		var out []string
		for _, part := range strings.Split(list, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			out = append(out, fmt.Sprint(item))
		}
		return out
	default:
		return nil
	}
}
