package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/couriermq/courier/pkg/types"
)

// defaultTokenPath locates the token in a standard OAuth response.
const defaultTokenPath = "access_token"

// exchange performs one token endpoint call shaped by the partner's auth
// configuration. Besides the access token it returns the refresh grant when
// the provider issues one.
func (c *Cache) exchange(ctx context.Context, cfg types.PartnerConfig) (string, string, error) {
	if cfg.AuthEndpoint == "" {
		return "", "", fmt.Errorf("partner %s has no auth endpoint: %w", cfg.PartnerID, types.ErrInvalidRequest)
	}

	method := cfg.AuthMethod
	if method == "" {
		method = http.MethodPost
	}

	body, contentType, err := encodeAuthBody(cfg.AuthBody)
	if err != nil {
		return "", "", err
	}

	req, err := http.NewRequestWithContext(ctx, method, cfg.AuthEndpoint, body)
	if err != nil {
		return "", "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json, application/xml")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("call token endpoint: %w: %w", err, types.ErrTransient)
	}
	defer resp.Body.Close()

	if err := types.ClassifyStatus(resp.StatusCode); err != nil {
		return "", "", fmt.Errorf("token endpoint returned %d: %w", resp.StatusCode, err)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", "", fmt.Errorf("read token response: %w: %w", err, types.ErrTransient)
	}

	path := cfg.AuthBody.TokenKeyPath
	if path == "" {
		path = defaultTokenPath
	}

	var tok, refreshTok string
	switch cfg.AuthBody.ReturnType {
	case types.ReturnTypeXML:
		tok, err = extractXMLPath(data, path)
	default:
		tok, err = extractJSONPath(data, path)
		// The refresh grant is optional in OAuth responses.
		refreshTok, _ = extractJSONPath(data, "refresh_token")
	}
	if err != nil {
		return "", "", fmt.Errorf("parse token response: %w", err)
	}
	return tok, refreshTok, nil
}

func encodeAuthBody(auth types.AuthBody) (io.Reader, string, error) {
	switch auth.ContentType {
	case types.ContentTypeForm:
		form := url.Values{}
		form.Set("grant_type", auth.GrantType)
		form.Set("client_id", auth.ClientID)
		form.Set("client_secret", auth.ClientSecret)
		if auth.Scope != "" {
			form.Set("scope", auth.Scope)
		}
		return strings.NewReader(form.Encode()), "application/x-www-form-urlencoded", nil
	default:
		payload := map[string]string{
			"grant_type":    auth.GrantType,
			"client_id":     auth.ClientID,
			"client_secret": auth.ClientSecret,
		}
		if auth.Scope != "" {
			payload["scope"] = auth.Scope
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, "", fmt.Errorf("encode token request: %w", err)
		}
		return bytes.NewReader(data), "application/json", nil
	}
}

// extractJSONPath walks a dotted path through nested JSON objects and
// returns the string at the leaf.
func extractJSONPath(data []byte, path string) (string, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", fmt.Errorf("decode json: %w", err)
	}

	cur := doc
	for _, seg := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return "", fmt.Errorf("path %q: %q is not an object", path, seg)
		}
		cur, ok = obj[seg]
		if !ok {
			return "", fmt.Errorf("path %q: key %q not found", path, seg)
		}
	}

	s, ok := cur.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("path %q: value is not a non-empty string", path)
	}
	return s, nil
}

// extractXMLPath returns the text of the first element whose path from the
// document root ends with the dotted path.
func extractXMLPath(data []byte, path string) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	var stack []string
	suffix := strings.Split(path, ".")

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return "", fmt.Errorf("path %q not found in xml response", path)
		}
		if err != nil {
			return "", fmt.Errorf("decode xml: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			stack = append(stack, t.Name.Local)
		case xml.EndElement:
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if !pathMatches(stack, suffix) {
				continue
			}
			if text := strings.TrimSpace(string(t)); text != "" {
				return text, nil
			}
		}
	}
}

func pathMatches(stack, suffix []string) bool {
	if len(stack) < len(suffix) {
		return false
	}
	tail := stack[len(stack)-len(suffix):]
	for i := range suffix {
		if tail[i] != suffix[i] {
			return false
		}
	}
	return true
}
