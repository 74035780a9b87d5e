package gcd

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"deviceagent/internal/agenterr"
	"deviceagent/internal/catalog"
	"deviceagent/internal/config"
	"deviceagent/internal/httpclient"
	"deviceagent/internal/token"
)

// channelTypePull is the fixed registration channel type the device
// advertises: it only ever pulls commands, never accepts a server push.
const channelTypePull = "pull"

type deviceDraft struct {
	Channel struct {
		SupportedType string `json:"supportedType"`
	} `json:"channel"`
	Description       string                     `json:"description"`
	Location          string                     `json:"location"`
	ModelManifestID   string                     `json:"modelManifestId"`
	Name              string                     `json:"name"`
	CommandDefs       map[string]*catalog.Command `json:"commandDefs"`
	State             string                     `json:"state"`
}

type patchTicketRequest struct {
	ID             string      `json:"id"`
	OAuthClientID  string      `json:"oauthClientId"`
	DeviceDraft    deviceDraft `json:"deviceDraft"`
}

type patchTicketResponse struct {
	DeviceDraft struct {
		ID string `json:"id"`
	} `json:"deviceDraft"`
}

type finalizeResponse struct {
	DeviceDraft struct {
		ID string `json:"id"`
	} `json:"deviceDraft"`
	RobotAccountEmail             string `json:"robotAccountEmail"`
	RobotAccountAuthorizationCode string `json:"robotAccountAuthorizationCode"`
}

type oauthCodeResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Error        string `json:"error"`
}

// Register runs the two-phase claim/finalize registration protocol against
// ticketID, then exchanges the returned authorization code for an OAuth2
// refresh token. Settings are persisted in a single transaction only after
// every step succeeds; any failure leaves Settings untouched and returns
// the controller to unconfigured.
func (c *Controller) Register(ctx context.Context, ticketID string) error {
	result := make(chan error, 1)
	c.sched.Post(func() {
		result <- c.register(ctx, ticketID)
	})
	return <-result
}

func (c *Controller) register(ctx context.Context, ticketID string) error {
	settings := c.settings
	if settings == nil {
		var err error
		settings, err = c.store.Load()
		if err != nil {
			return agenterr.Wrap(agenterr.DomainGCD, "", "load settings for registration", err)
		}
	}

	patchResp, err := c.patchRegistrationTicket(ctx, settings, ticketID)
	if err != nil {
		c.setState(StateUnconfigured)
		return agenterr.Wrap(agenterr.DomainGCD, "", "patch registration ticket", err)
	}

	finalizeResp, err := c.finalizeRegistrationTicket(ctx, settings, ticketID)
	if err != nil {
		c.setState(StateUnconfigured)
		return agenterr.Wrap(agenterr.DomainGCD, "", "finalize registration ticket", err)
	}

	tokenResp, err := c.exchangeAuthorizationCode(ctx, settings, finalizeResp.RobotAccountAuthorizationCode)
	if err != nil {
		c.setState(StateUnconfigured)
		return agenterr.Wrap(agenterr.DomainGCD, "", "exchange authorization code", err)
	}

	cloudID := finalizeResp.DeviceDraft.ID
	if cloudID == "" {
		cloudID = patchResp.DeviceDraft.ID
	}

	err = c.store.Update(func(s *config.Settings) error {
		s.CloudID = cloudID
		s.RefreshToken = tokenResp.RefreshToken
		s.RobotAccount = finalizeResp.RobotAccountEmail
		return nil
	})
	if err != nil {
		c.setState(StateUnconfigured)
		return agenterr.Wrap(agenterr.DomainGCD, "", "persist registration result", err)
	}

	settings.CloudID = cloudID
	settings.RefreshToken = tokenResp.RefreshToken
	settings.RobotAccount = finalizeResp.RobotAccountEmail
	c.settings = settings

	c.setState(StateConnecting)
	c.scheduleTokenRefresh(0)
	return nil
}

func (c *Controller) patchRegistrationTicket(ctx context.Context, s *config.Settings, ticketID string) (*patchTicketResponse, error) {
	url := httpclient.BuildURL(s.ServiceURL, "registrationTickets/"+ticketID, [2]string{"key", s.APIKey})

	body := patchTicketRequest{
		ID:            ticketID,
		OAuthClientID: s.ClientID,
	}
	body.DeviceDraft.Channel.SupportedType = channelTypePull
	body.DeviceDraft.Description = s.Description
	body.DeviceDraft.Location = s.Location
	body.DeviceDraft.ModelManifestID = s.ModelID
	body.DeviceDraft.Name = s.Name
	body.DeviceDraft.CommandDefs = c.catalog.GetDefinitions()
	body.DeviceDraft.State = "{}"

	var resp patchTicketResponse
	unauthedClient := httpclient.New(c.rawHTTP, nil, c.logger)
	if err := unauthedClient.DoJSON(ctx, http.MethodPatch, url, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Controller) finalizeRegistrationTicket(ctx context.Context, s *config.Settings, ticketID string) (*finalizeResponse, error) {
	url := httpclient.BuildURL(s.ServiceURL, "registrationTickets/"+ticketID+"/finalize", [2]string{"key", s.APIKey})

	var resp finalizeResponse
	unauthedClient := httpclient.New(c.rawHTTP, nil, c.logger)
	if err := unauthedClient.DoJSON(ctx, http.MethodPost, url, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Controller) exchangeAuthorizationCode(ctx context.Context, s *config.Settings, code string) (*oauthCodeResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, httpclient.DefaultTimeout)
	defer cancel()

	form := token.EncodeWebParam([][2]string{
		{"grant_type", "authorization_code"},
		{"code", code},
		{"client_id", s.ClientID},
		{"client_secret", s.ClientSecret},
		{"redirect_uri", "oob"},
		{"scope", "https://www.googleapis.com/auth/clouddevices"},
	})

	url := strings.TrimSuffix(s.OAuthURL, "/") + "/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(form))
	if err != nil {
		return nil, agenterr.Wrap(agenterr.DomainNetwork, "", "build authorization_code exchange request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.rawHTTP.Do(req)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.DomainNetwork, "", "authorization_code exchange failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.DomainNetwork, "", "read authorization_code exchange response", err)
	}

	var out oauthCodeResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, agenterr.Wrap(agenterr.DomainNetwork, "", "decode authorization_code exchange response", err)
	}
	if out.Error != "" {
		return nil, agenterr.New(agenterr.DomainOAuth2, out.Error, "authorization_code exchange rejected")
	}
	if resp.StatusCode >= 400 {
		return nil, agenterr.New(agenterr.DomainOAuth2, "", "authorization_code exchange returned non-2xx")
	}
	if out.RefreshToken == "" {
		return nil, agenterr.New(agenterr.DomainOAuth2, "", "authorization_code exchange returned no refresh_token")
	}
	return &out, nil
}
