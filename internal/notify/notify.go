package notify

import (
	"context"
	"fmt"
	"sync"

	firebase "firebase.google.com/go"
	"firebase.google.com/go/messaging"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// Notification é a mensagem push enviada ao usuário
type Notification struct {
	Title string
	Body  string
	Data  map[string]string
}

// Notifier envia notificações; falhas são apenas registradas pelo chamador
type Notifier interface {
	Notify(ctx context.Context, userID string, n Notification) error
}

// Topic é o tópico FCM em que o app do usuário se inscreve
func Topic(userID string) string {
	return "user-" + userID
}

// FCMNotifier envia mensagens pelo Firebase Cloud Messaging
type FCMNotifier struct {
	client *messaging.Client
	logger *zap.Logger
}

// NewFCMNotifier inicializa o app Firebase com o arquivo de credenciais
func NewFCMNotifier(ctx context.Context, credentialsFile string, logger *zap.Logger) (*FCMNotifier, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("error initializing firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting messaging client: %w", err)
	}

	logger.Info("🔥 Firebase Cloud Messaging Ready!")
	return &FCMNotifier{client: client, logger: logger}, nil
}

func (f *FCMNotifier) Notify(ctx context.Context, userID string, n Notification) error {
	message := &messaging.Message{
		Topic: Topic(userID),
		Notification: &messaging.Notification{
			Title: n.Title,
			Body:  n.Body,
		},
		Data: n.Data,
	}

	id, err := f.client.Send(ctx, message)
	if err != nil {
		f.logger.Warn("⚠️ failed to send notification", zap.String("user_id", userID), zap.Error(err))
		return err
	}
	f.logger.Debug("📨 notification sent", zap.String("user_id", userID), zap.String("message_id", id))
	return nil
}

// NopNotifier é usado quando o Firebase não está configurado
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, string, Notification) error { return nil }

// Sent registra uma notificação capturada pelo Recorder
type Sent struct {
	UserID string
	Notification
}

// Recorder guarda as notificações em memória (testes)
type Recorder struct {
	mu   sync.Mutex
	sent []Sent
}

func (r *Recorder) Notify(_ context.Context, userID string, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, Sent{UserID: userID, Notification: n})
	return nil
}

// For retorna as notificações enviadas a userID
func (r *Recorder) For(userID string) []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Sent
	for _, s := range r.sent {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out
}
