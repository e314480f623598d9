package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Onboarding holds what loadCodeAssist / onboardUser report for an account.
type Onboarding struct {
	ProjectID string
	Tier      string
}

type loadCodeAssistResponse struct {
	CurrentTier *struct {
		ID string `json:"id"`
	} `json:"currentTier"`
	AllowedTiers []struct {
		ID        string `json:"id"`
		IsDefault bool   `json:"isDefault"`
	} `json:"allowedTiers"`
	CloudAICompanionProject string `json:"cloudaicompanionProject"`
}

type onboardUserResponse struct {
	Done     bool `json:"done"`
	Response struct {
		CloudAICompanionProject struct {
			ID string `json:"id"`
		} `json:"cloudaicompanionProject"`
	} `json:"response"`
}

// LoadCodeAssist fetches the onboarded state for the token's user: the bound
// companion project (when one exists) and the quota tier.
func (c *Client) LoadCodeAssist(ctx context.Context, accessToken string) (*Onboarding, error) {
	payload := map[string]interface{}{
		"metadata": map[string]string{"ideType": "ANTIGRAVITY"},
	}
	resp, err := c.doRequest(ctx, ":loadCodeAssist", "", accessToken, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read loadCodeAssist body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyError(resp, body)
	}

	var parsed loadCodeAssistResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse loadCodeAssist response: %w", err)
	}

	ob := &Onboarding{ProjectID: parsed.CloudAICompanionProject}
	if parsed.CurrentTier != nil {
		ob.Tier = parsed.CurrentTier.ID
	} else {
		for _, tier := range parsed.AllowedTiers {
			if tier.IsDefault {
				ob.Tier = tier.ID
				break
			}
		}
	}
	return ob, nil
}

// OnboardUser binds the user to a companion project on the given tier and
// returns the project id. Called when loadCodeAssist reports no project yet.
func (c *Client) OnboardUser(ctx context.Context, accessToken, tierID string) (string, error) {
	payload := map[string]interface{}{
		"tierId":   tierID,
		"metadata": map[string]string{"ideType": "ANTIGRAVITY"},
	}
	resp, err := c.doRequest(ctx, ":onboardUser", "", accessToken, payload)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read onboardUser body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", classifyError(resp, body)
	}

	var parsed onboardUserResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("parse onboardUser response: %w", err)
	}
	if parsed.Response.CloudAICompanionProject.ID == "" {
		return "", fmt.Errorf("onboardUser returned no project")
	}
	return parsed.Response.CloudAICompanionProject.ID, nil
}
