package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
)

const notionVersion = "2022-06-28"
const notionBaseURL = "https://api.notion.com"

// CreatedTask is the backlog store's handle for a created task.
type CreatedTask struct {
	ID  string
	URL string
}

// TaskSink is the backlog store surface the orchestrator consumes.
type TaskSink interface {
	CreateTask(c FeedbackCandidate) (CreatedTask, error)
	AssignPerson(taskID, nameQuery string) (string, error)
	DescribeSchema() (map[string]string, error)
}

type notionClient struct {
	apiKey     string
	databaseID string
	baseURL    string
	httpClient *http.Client
}

func NewNotionClient(apiKey, databaseID string) *notionClient {
	return &notionClient{
		apiKey:     apiKey,
		databaseID: databaseID,
		baseURL:    notionBaseURL,
		httpClient: http.DefaultClient,
	}
}

func (n *notionClient) request(method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, n.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+n.apiKey)
	req.Header.Set("Notion-Version", notionVersion)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("Notion API returned %d: %s", resp.StatusCode, string(respBody))
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("parsing response: %w", err)
		}
	}
	return nil
}

type notionPageResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

func (n *notionClient) CreateTask(c FeedbackCandidate) (CreatedTask, error) {
	properties := map[string]any{
		"Name": map[string]any{
			"title": []any{textRichText(c.Title)},
		},
		"Category": map[string]any{
			"select": map[string]string{"name": c.Category},
		},
		"Priority": map[string]any{
			"select": map[string]string{"name": c.Priority},
		},
		"Confidence": map[string]any{
			"number": c.Confidence,
		},
	}
	if c.Source.Permalink != "" {
		properties["Source"] = map[string]any{"url": c.Source.Permalink}
	}
	if c.Source.Reporter != "" {
		properties["Reporter"] = map[string]any{
			"rich_text": []any{textRichText(c.Source.Reporter)},
		}
	}
	if c.DueDate != "" {
		properties["Due"] = map[string]any{
			"date": map[string]string{"start": c.DueDate},
		}
	}

	var children []any
	for _, paragraph := range strings.Split(c.Description, "\n\n") {
		paragraph = strings.TrimSpace(paragraph)
		if paragraph == "" {
			continue
		}
		children = append(children, map[string]any{
			"object": "block",
			"type":   "paragraph",
			"paragraph": map[string]any{
				"rich_text": []any{textRichText(paragraph)},
			},
		})
	}

	payload := map[string]any{
		"parent":     map[string]string{"database_id": n.databaseID},
		"properties": properties,
	}
	if len(children) > 0 {
		payload["children"] = children
	}

	var page notionPageResponse
	if err := n.request("POST", "/v1/pages", payload, &page); err != nil {
		return CreatedTask{}, fmt.Errorf("creating task page: %w", err)
	}
	log.Printf("notion task created id=%s title=%q", page.ID, c.Title)
	return CreatedTask{ID: page.ID, URL: page.URL}, nil
}

func textRichText(content string) map[string]any {
	return map[string]any{
		"type": "text",
		"text": map[string]string{"content": content},
	}
}

type notionUser struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

type notionUserListResponse struct {
	Results    []notionUser `json:"results"`
	HasMore    bool         `json:"has_more"`
	NextCursor string       `json:"next_cursor"`
}

// AssignPerson attaches the directory user whose display name contains
// nameQuery (case-insensitive) to the task's people property. The match is
// intentionally approximate but fails closed: no match or an ambiguous match
// is an error, never a guess.
func (n *notionClient) AssignPerson(taskID, nameQuery string) (string, error) {
	query := strings.ToLower(strings.TrimSpace(nameQuery))
	if query == "" {
		return "", fmt.Errorf("empty assignee name")
	}

	var matches []notionUser
	cursor := ""
	for {
		path := "/v1/users?page_size=100"
		if cursor != "" {
			path += "&start_cursor=" + cursor
		}
		var page notionUserListResponse
		if err := n.request("GET", path, nil, &page); err != nil {
			return "", fmt.Errorf("listing users: %w", err)
		}
		for _, user := range page.Results {
			if user.Type == "bot" {
				continue
			}
			if strings.Contains(strings.ToLower(user.Name), query) {
				matches = append(matches, user)
			}
		}
		if !page.HasMore || page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	if len(matches) == 0 {
		return "", fmt.Errorf("no user matching %q in the task store directory", nameQuery)
	}
	if len(matches) > 1 {
		var names []string
		for _, u := range matches {
			names = append(names, u.Name)
		}
		return "", fmt.Errorf("ambiguous assignee %q: matches %s", nameQuery, strings.Join(names, ", "))
	}

	patch := map[string]any{
		"properties": map[string]any{
			"Assignee": map[string]any{
				"people": []any{map[string]string{"id": matches[0].ID}},
			},
		},
	}
	if err := n.request("PATCH", "/v1/pages/"+taskID, patch, nil); err != nil {
		return "", fmt.Errorf("assigning user: %w", err)
	}
	log.Printf("notion task assigned id=%s user=%q", taskID, matches[0].Name)
	return matches[0].Name, nil
}

type notionDatabaseResponse struct {
	Properties map[string]struct {
		Type string `json:"type"`
	} `json:"properties"`
}

// DescribeSchema returns the database's property name -> type mapping. Used
// only as a startup connectivity check.
func (n *notionClient) DescribeSchema() (map[string]string, error) {
	var db notionDatabaseResponse
	if err := n.request("GET", "/v1/databases/"+n.databaseID, nil, &db); err != nil {
		return nil, fmt.Errorf("describing database: %w", err)
	}
	schema := make(map[string]string, len(db.Properties))
	for name, prop := range db.Properties {
		schema[name] = prop.Type
	}
	return schema, nil
}
