package mailbox

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"testing"
	"time"

	"reviewtrail/internal/components/telemetry/telemetrytest"

	"github.com/jordan-wright/email"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupMailHog(t *testing.T) (smtpAddr, apiURL string) {
	if os.Getenv("REVIEWTRAIL_INTEGRATION") == "" {
		t.Skip("set REVIEWTRAIL_INTEGRATION to run against a mailhog container")
	}

	// suppress logging
	testcontainers.Logger = log.New(io.Discard, "", 0)

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		Started: true,
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "mailhog/mailhog",
			ExposedPorts: []string{"1025/tcp", "8025/tcp"},
			WaitingFor:   wait.ForListeningPort("8025/tcp"),
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, container.Terminate(context.Background()))
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	smtpPort, err := container.MappedPort(ctx, "1025")
	require.NoError(t, err)
	apiPort, err := container.MappedPort(ctx, "8025")
	require.NoError(t, err)

	return fmt.Sprintf("%s:%s", host, smtpPort.Port()),
		fmt.Sprintf("http://%s:%s", host, apiPort.Port())
}

func TestMailHogRoundTrip(t *testing.T) {
	smtpAddr, apiURL := setupMailHog(t)

	client, err := NewClient(Config{
		BaseURL:      apiURL,
		PollInterval: 100 * time.Millisecond,
	}, &telemetrytest.Recorder{})
	require.NoError(t, err)

	before := time.Now().Add(-time.Minute)

	msg := email.NewEmail()
	msg.From = "no-reply@journal.example"
	msg.To = []string{account.Email}
	msg.Subject = "Your verification code"
	msg.Text = []byte("Use 736251 to finish signing in.")
	require.NoError(t, msg.Send(smtpAddr, nil))

	code, err := client.FetchCode(context.Background(), account, before, 10*time.Second)
	require.NoError(t, err)
	require.Equal(t, "736251", code)

	messages, err := client.Search(context.Background(), "verification", before)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Equal(t, "Your verification code", messages[0].Subject)
}
