package descriptor

import (
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"svc-registrar/registration"
)

const deployTag = "helios-deployed"

var builder = NewBuilder(deployTag, 15*time.Second)

func endpoint(mods ...func(*registration.Endpoint)) registration.Endpoint {
	ep := registration.Endpoint{
		Name:     "service",
		Protocol: "http",
		Port:     8080,
		Domain:   "example.com",
		Host:     "localhost",
	}
	for _, m := range mods {
		m(&ep)
	}
	return ep
}

func name(n string) func(*registration.Endpoint) {
	return func(ep *registration.Endpoint) { ep.Name = n }
}

func tags(t ...string) func(*registration.Endpoint) {
	return func(ep *registration.Endpoint) { ep.Tags = t }
}

func httpCheck(path string) func(*registration.Endpoint) {
	return func(ep *registration.Endpoint) {
		ep.HealthCheck = &registration.HealthCheck{Type: registration.HealthCheckHTTP, Path: path}
	}
}

func TestServiceNameAndVersionTag(t *testing.T) {
	tests := []struct {
		name        string
		wantService string
		wantVersion string
	}{
		{name: "x-v1", wantService: "x", wantVersion: "v1"},
		{name: "some-random-service-v491", wantService: "some-random-service", wantVersion: "v491"},
		{name: "a-service-without-version", wantService: "a-service-without-version"},
		{name: "redis-v2", wantService: "redis", wantVersion: "v2"},
		{name: "svc-v2-beta", wantService: "svc-v2-beta"},
		{name: "svc-v", wantService: "svc-v"},
		{name: "-v3", wantService: "-v3"},
		{name: "svcv3", wantService: "svcv3"},
		{name: "a-v1-v2", wantService: "a-v1", wantVersion: "v2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantService, ServiceName(tt.name))
			assert.Equal(t, tt.wantVersion, VersionTag(tt.name))
		})
	}
}

func TestTags(t *testing.T) {
	got := builder.Tags(endpoint(tags("tag1", "key::value", "tag2")))

	want := []string{"tag1", "tag2", deployTag, "protocol-http"}
	sort.Strings(got)
	sort.Strings(want)
	assert.Equal(t, want, got)
}

func TestTagsWithVersion(t *testing.T) {
	got := builder.Tags(endpoint(name("redis-v2"), tags("tag-1", "tag-2"), func(ep *registration.Endpoint) {
		ep.Protocol = "tcp"
	}))
	assert.Equal(t, []string{deployTag, "protocol-tcp", "v2", "tag-1", "tag-2"}, got)
}

func TestControlTags(t *testing.T) {
	got := ControlTags(endpoint(tags("tag1", "key::value", "tag2", "key2::value2::2")))

	assert.Equal(t, map[string]string{
		"key":  "value",
		"key2": "value2::2",
	}, got)
}

func TestControlTagsEmpty(t *testing.T) {
	assert.Empty(t, ControlTags(endpoint()))
	assert.Empty(t, ControlTags(endpoint(tags("plain"))))
}

// Every declared tag ends up either in the output tags or in the control-tag map.
func TestTagPartitionIsLossless(t *testing.T) {
	declared := []string{"a", "b::c", "d", "healthCheckEndpoint::/x::y", "e::", "f"}
	ep := endpoint(tags(declared...))

	out := builder.Tags(ep)[2:] // drop deploy marker and protocol tag
	kv := ControlTags(ep)

	for _, tag := range declared {
		inTags := false
		for _, o := range out {
			if o == tag {
				inTags = true
			}
		}
		parts := strings.SplitN(tag, ControlTagSeparator, 2)
		inKV := len(parts) == 2 && kv[parts[0]] == parts[1]
		assert.True(t, inTags != inKV, "tag %q must be in exactly one partition", tag)
	}
	assert.Len(t, out, 3)
	assert.Len(t, kv, 3)
}

func TestCheckFromTag(t *testing.T) {
	check := builder.Check(endpoint(name("redis"), func(ep *registration.Endpoint) { ep.Port = 9000 }, tags("healthCheckEndpoint::/health")))

	require.NotNil(t, check)
	assert.Equal(t, "http://localhost:9000/health", check.HTTP)
	assert.Equal(t, "redis-http-9000", check.ID)
	assert.Equal(t, "15s", check.Interval)
	assert.Equal(t, "HTTP health check for http://localhost:9000/health", check.Name)
	assert.Equal(t, "HTTP health check requesting http://localhost:9000/health every 15s", check.Notes)
	assert.Empty(t, check.Args)
}

func TestCheckFromDeclaration(t *testing.T) {
	check := builder.Check(endpoint(name("redis"), func(ep *registration.Endpoint) { ep.Port = 9000 }, httpCheck("/status")))

	require.NotNil(t, check)
	assert.Equal(t, "http://localhost:9000/status", check.HTTP)
	assert.Equal(t, "redis-http-9000", check.ID)
	assert.Equal(t, "15s", check.Interval)
}

func TestCheckPrecedence(t *testing.T) {
	check := builder.Check(endpoint(func(ep *registration.Endpoint) { ep.Port = 9000 }, httpCheck("/declared"), tags("healthCheckEndpoint::/tag")))

	require.NotNil(t, check)
	assert.Equal(t, "http://localhost:9000/tag", check.HTTP)
}

func TestNoCheck(t *testing.T) {
	assert.Nil(t, builder.Check(endpoint()))

	// only http declarations become checks
	tcp := endpoint(func(ep *registration.Endpoint) {
		ep.HealthCheck = &registration.HealthCheck{Type: "tcp", Path: "/ignored"}
	})
	assert.Nil(t, builder.Check(tcp))
}

func TestMalformedCheckIsDropped(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	b := NewBuilder(deployTag, 10*time.Second, WithLogger(zap.New(core)))

	tests := []struct {
		name string
		ep   registration.Endpoint
	}{
		{name: "path without slash", ep: endpoint(tags("healthCheckEndpoint::health"))},
		{name: "bad host", ep: endpoint(tags("healthCheckEndpoint::/health"), func(ep *registration.Endpoint) { ep.Host = "bad host" })},
		{name: "empty host", ep: endpoint(httpCheck("/health"), func(ep *registration.Endpoint) { ep.Host = "" })},
		{name: "non-http protocol", ep: endpoint(tags("healthCheckEndpoint::/health"), func(ep *registration.Endpoint) { ep.Protocol = "tcp" })},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Nil(t, b.Check(tt.ep))

			// the endpoint itself still builds
			record, err := b.Build(tt.ep)
			require.NoError(t, err)
			assert.Nil(t, record.Check)
		})
	}
	assert.Equal(t, 2*len(tests), logs.FilterMessage("could not create health check for endpoint").Len())
}

func TestScriptCheck(t *testing.T) {
	b := NewBuilder(deployTag, 10*time.Second, WithScriptCheck("/usr/local/bin/check --quiet", 30*time.Second))

	check := b.Check(endpoint(name("svc"), func(ep *registration.Endpoint) { ep.Host = "h"; ep.Port = 9000 }, tags("healthCheckEndpoint::/health")))

	require.NotNil(t, check)
	assert.Equal(t, "svc-http-9000", check.ID)
	assert.Empty(t, check.HTTP)
	assert.Equal(t, []string{"/usr/local/bin/check", "--quiet", "http://h:9000/health"}, check.Args)
	assert.Equal(t, "30s", check.Interval)
	assert.Equal(t, "Script health check for http://h:9000/health", check.Name)
	assert.Equal(t, "Script health check running /usr/local/bin/check --quiet http://h:9000/health every 30s", check.Notes)
}

func TestBlankScriptCommandKeepsHTTP(t *testing.T) {
	b := NewBuilder(deployTag, 10*time.Second, WithScriptCheck("  ", 30*time.Second))

	check := b.Check(endpoint(httpCheck("/health")))
	require.NotNil(t, check)
	assert.Equal(t, "http://localhost:8080/health", check.HTTP)
}

func TestBuild(t *testing.T) {
	b := NewBuilder(deployTag, 10*time.Second)

	t.Run("versioned endpoint without check", func(t *testing.T) {
		record, err := b.Build(registration.Endpoint{
			Name:     "redis-v2",
			Protocol: "tcp",
			Port:     6379,
			Host:     "10.0.0.5",
			Tags:     []string{"tag-1", "tag-2"},
		})
		require.NoError(t, err)
		assert.Equal(t, "redis-v2", record.ID)
		assert.Equal(t, "redis", record.Name)
		assert.Equal(t, 6379, record.Port)
		assert.ElementsMatch(t, []string{deployTag, "protocol-tcp", "v2", "tag-1", "tag-2"}, record.Tags)
		assert.Nil(t, record.Check)
	})

	t.Run("check from control tag", func(t *testing.T) {
		record, err := b.Build(registration.Endpoint{
			Name:     "svc",
			Protocol: "http",
			Port:     9000,
			Host:     "h",
			Tags:     []string{"healthCheckEndpoint::/health"},
		})
		require.NoError(t, err)
		require.NotNil(t, record.Check)
		assert.Equal(t, "http://h:9000/health", record.Check.HTTP)
		assert.Equal(t, "svc-http-9000", record.Check.ID)
		assert.Equal(t, []string{deployTag, "protocol-http"}, record.Tags)
	})

	t.Run("empty name", func(t *testing.T) {
		_, err := b.Build(registration.Endpoint{Protocol: "http"})
		assert.ErrorIs(t, err, ErrEmptyName)
	})

	t.Run("control tag without key", func(t *testing.T) {
		_, err := b.Build(endpoint(tags("::/health")))
		assert.ErrorIs(t, err, ErrMalformedControlTag)
	})
}

func TestBuildAll(t *testing.T) {
	reg := registration.New(endpoint(name("a")), endpoint(name("b-v3")))

	records, err := builder.BuildAll(reg)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "a", records[0].ID)
	assert.Equal(t, "b", records[1].Name)

	_, err = builder.BuildAll(registration.New(endpoint(name("ok")), endpoint(name(""))))
	assert.ErrorIs(t, err, ErrEmptyName)
}
