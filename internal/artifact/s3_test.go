package artifact_test

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/kiranshivaraju/podcleaner/internal/artifact"
	"github.com/kiranshivaraju/podcleaner/internal/config"
	"github.com/kiranshivaraju/podcleaner/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startMinio(t *testing.T) config.StorageConfig {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "minio/minio:latest",
			ExposedPorts: []string{"9000/tcp"},
			Cmd:          []string{"server", "/data"},
			Env: map[string]string{
				"MINIO_ROOT_USER":     "minioadmin",
				"MINIO_ROOT_PASSWORD": "minioadmin",
			},
			WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "9000")
	require.NoError(t, err)

	return config.StorageConfig{
		Endpoint:  "http://" + host + ":" + port.Port(),
		Region:    "us-east-1",
		Bucket:    "artifacts",
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
	}
}

func TestS3Resolver_LocatePresignsWithoutNetwork(t *testing.T) {
	ctx := context.Background()
	cfg := config.StorageConfig{
		Endpoint:  "http://localhost:9000",
		Region:    "us-east-1",
		Bucket:    "artifacts",
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
	}
	client, err := artifact.NewS3Client(ctx, cfg)
	require.NoError(t, err)
	r := artifact.NewS3Resolver(client, cfg.Bucket)

	link, err := r.Locate(ctx, "s3://episodes/clean/ep1.mp3")
	require.NoError(t, err)
	u, err := url.Parse(link)
	require.NoError(t, err)
	assert.Equal(t, "localhost:9000", u.Host)
	assert.Equal(t, "/episodes/clean/ep1.mp3", u.Path)
	assert.NotEmpty(t, u.Query().Get("X-Amz-Signature"))
	assert.Equal(t, "900", u.Query().Get("X-Amz-Expires"))

	link, err = r.Locate(ctx, "clean/ep2.mp3")
	require.NoError(t, err)
	assert.Contains(t, link, "/artifacts/clean/ep2.mp3")

	_, err = r.Locate(ctx, "https://elsewhere/x")
	assert.ErrorIs(t, err, artifact.ErrInvalidRef)
}

func TestS3Resolver_Exists(t *testing.T) {
	testutil.RequireIntegration(t)
	cfg := startMinio(t)
	ctx := context.Background()

	client, err := artifact.NewS3Client(ctx, cfg)
	require.NoError(t, err)

	_, err = client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(cfg.Bucket)})
	require.NoError(t, err)
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(cfg.Bucket),
		Key:    aws.String("audio/ep1.mp3"),
		Body:   strings.NewReader("ID3"),
	})
	require.NoError(t, err)

	r := artifact.NewS3Resolver(client, cfg.Bucket)

	ok, err := r.Exists(ctx, "s3://artifacts/audio/ep1.mp3")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.Exists(ctx, "audio/ep1.mp3")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.Exists(ctx, "s3://artifacts/audio/missing.mp3")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = r.Exists(ctx, "not a ref://")
	require.NoError(t, err)
	assert.False(t, ok)

	link, err := r.Locate(ctx, "audio/ep1.mp3")
	require.NoError(t, err)
	resp, err := http.Get(link)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ID3", string(body))
}
