package fcmclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/fcm/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// ScopeFirebaseMessaging is the OAuth scope required to send messages
const ScopeFirebaseMessaging = "https://www.googleapis.com/auth/firebase.messaging"

// ErrInvalidDeviceToken is returned when FCM reports the device token as
// unregistered or malformed. Callers should stop using the token.
var ErrInvalidDeviceToken = errors.New("invalid device token")

// Notification is a push message to a single driver device
type Notification struct {
	DriverID    string
	DeviceToken string
	Title       string
	Body        string
	Link        string
	Data        map[string]string
}

// Client wraps the FCM HTTP v1 API
type Client struct {
	service   *fcm.Service
	projectID string
}

// NewClient creates a client authenticated with a service account key file
func NewClient(ctx context.Context, projectID, credentialsFile string) (*Client, error) {
	keyJSON, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}

	creds, err := google.CredentialsFromJSON(ctx, keyJSON, ScopeFirebaseMessaging)
	if err != nil {
		return nil, fmt.Errorf("failed to parse credentials: %w", err)
	}
	if projectID == "" {
		projectID = creds.ProjectID
	}

	return newClient(ctx, projectID, option.WithTokenSource(creds.TokenSource))
}

// NewClientWithHTTP creates a client against an explicit endpoint, without
// authentication. Used for emulators and tests.
func NewClientWithHTTP(ctx context.Context, projectID, endpoint string, httpClient *http.Client) (*Client, error) {
	return newClient(ctx, projectID, option.WithEndpoint(endpoint), option.WithHTTPClient(httpClient))
}

func newClient(ctx context.Context, projectID string, opts ...option.ClientOption) (*Client, error) {
	if projectID == "" {
		return nil, errors.New("fcm project id is required")
	}

	service, err := fcm.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create fcm service: %w", err)
	}

	return &Client{service: service, projectID: projectID}, nil
}

// Dispatch sends one notification
func (c *Client) Dispatch(ctx context.Context, n Notification) error {
	if n.DeviceToken == "" {
		return ErrInvalidDeviceToken
	}

	msg := &fcm.Message{
		Token: n.DeviceToken,
		Notification: &fcm.Notification{
			Title: n.Title,
			Body:  n.Body,
		},
		Data: n.Data,
		Android: &fcm.AndroidConfig{
			Priority: "HIGH",
		},
	}
	if n.Link != "" {
		msg.Webpush = &fcm.WebpushConfig{
			FcmOptions: &fcm.WebpushFcmOptions{Link: n.Link},
		}
	}

	_, err := c.service.Projects.Messages.
		Send("projects/"+c.projectID, &fcm.SendMessageRequest{Message: msg}).
		Context(ctx).
		Do()
	if err != nil {
		if isInvalidToken(err) {
			return fmt.Errorf("%w: %v", ErrInvalidDeviceToken, err)
		}
		return fmt.Errorf("failed to send notification: %w", err)
	}
	return nil
}

// isInvalidToken reports whether FCM rejected the registration token itself
func isInvalidToken(err error) bool {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Code {
	case http.StatusNotFound:
		return true
	case http.StatusBadRequest:
		return strings.Contains(strings.ToLower(apiErr.Message), "registration token")
	default:
		return false
	}
}

// LogDispatcher logs notifications instead of sending them
type LogDispatcher struct {
	logger *zap.Logger
}

// NewLogDispatcher creates a dispatcher for environments without FCM
func NewLogDispatcher(logger *zap.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

// Dispatch logs n
func (d *LogDispatcher) Dispatch(_ context.Context, n Notification) error {
	d.logger.Info("Notification (not sent)",
		zap.String("driver_id", n.DriverID),
		zap.String("title", n.Title),
		zap.String("link", n.Link))
	return nil
}
