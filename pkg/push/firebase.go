package push

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"voicecall-backend/pkg/logger"
)

// FirebaseProvider implements the Provider interface using Firebase Cloud Messaging.
// It covers Android, iOS (via the APNs bridge) and Web.
type FirebaseProvider struct {
	client    *messaging.Client
	projectID string
}

// NewFirebaseProvider initializes the Firebase Admin SDK from the credentials
// file named by FIREBASE_CREDENTIALS_PATH or GOOGLE_APPLICATION_CREDENTIALS
func NewFirebaseProvider(ctx context.Context, projectID string) (*FirebaseProvider, error) {
	credentialsPath := os.Getenv("FIREBASE_CREDENTIALS_PATH")
	if credentialsPath == "" {
		credentialsPath = os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")
	}
	if credentialsPath == "" {
		return nil, fmt.Errorf("FIREBASE_CREDENTIALS_PATH is not set")
	}

	credentials, err := os.ReadFile(credentialsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read Firebase credentials: %w", err)
	}

	var conf *firebase.Config
	if projectID != "" {
		conf = &firebase.Config{ProjectID: projectID}
	}

	app, err := firebase.NewApp(ctx, conf, option.WithCredentialsJSON(credentials))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get Firebase messaging client: %w", err)
	}

	logger.Info("Firebase Admin SDK initialized", zap.String("project_id", projectID))

	return &FirebaseProvider{client: client, projectID: projectID}, nil
}

// Send implements the Provider interface, one message per device token
func (f *FirebaseProvider) Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	if len(tokens) == 0 {
		return &SendResult{}, nil
	}

	messages := make([]*messaging.Message, len(tokens))
	for i, token := range tokens {
		messages[i] = buildMessage(notification, token)
	}

	response, err := f.client.SendEach(ctx, messages)
	if err != nil {
		return &SendResult{FailureCount: len(tokens), Errors: []error{err}},
			fmt.Errorf("failed to send Firebase messages: %w", err)
	}

	result := &SendResult{}
	for i, resp := range response.Responses {
		if resp.Success {
			result.SuccessCount++
			continue
		}
		result.FailureCount++
		if resp.Error == nil {
			continue
		}
		result.Errors = append(result.Errors, resp.Error)
		if messaging.IsUnregistered(resp.Error) || messaging.IsInvalidArgument(resp.Error) {
			result.InvalidTokens = append(result.InvalidTokens, tokens[i])
		}
	}

	logger.Info("Firebase messages sent",
		zap.String("project_id", f.projectID),
		zap.Int("success_count", result.SuccessCount),
		zap.Int("failure_count", result.FailureCount),
		zap.Int("invalid_tokens", len(result.InvalidTokens)))

	return result, nil
}

func buildMessage(notification *Notification, token string) *messaging.Message {
	data := make(map[string]string, len(notification.Data)+3)
	for k, v := range notification.Data {
		data[k] = v
	}
	data["title"] = notification.Title
	data["body"] = notification.Body
	data["timestamp"] = strconv.FormatInt(time.Now().Unix(), 10)

	android := &messaging.AndroidConfig{
		Notification: &messaging.AndroidNotification{
			Title:     notification.Title,
			Body:      notification.Body,
			Sound:     notification.Sound,
			ChannelID: notification.Category,
		},
		Data: data,
	}
	if notification.Priority != "" {
		android.Priority = notification.Priority
	}

	return &messaging.Message{
		Data:    data,
		Android: android,
		APNS: &messaging.APNSConfig{
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					Alert:    &messaging.ApsAlert{Title: notification.Title, Body: notification.Body},
					Sound:    notification.Sound,
					Category: notification.Category,
				},
			},
		},
		Webpush: &messaging.WebpushConfig{
			Notification: &messaging.WebpushNotification{
				Title: notification.Title,
				Body:  notification.Body,
			},
			Data: data,
		},
		Token: token,
	}
}
