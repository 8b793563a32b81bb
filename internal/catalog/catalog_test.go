package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindMapping_AnyVendorName(t *testing.T) {
	c := Default()

	for _, name := range []string{"gpt-4o", "claude-opus-4-6", "gemini-1.5-pro"} {
		m, ok := c.FindMapping(name)
		require.True(t, ok, name)
		assert.Equal(t, TierPremium, m.Tier)
		assert.Equal(t, "gpt-4o", m.OpenAIName)
	}
}

func TestFindMapping_Unknown(t *testing.T) {
	c := Default()
	_, ok := c.FindMapping("gpt-99-ultra")
	assert.False(t, ok)
}

func TestFindMapping_DeclarationOrderWins(t *testing.T) {
	c := New([]Mapping{
		{Tier: TierPremium, Capability: CapabilityChat, OpenAIName: "model-a", GoogleName: "shared-name"},
		{Tier: TierEconomy, Capability: CapabilityChat, OpenAIName: "model-b", GoogleName: "shared-name"},
	})

	m, ok := c.FindMapping("shared-name")
	require.True(t, ok)
	assert.Equal(t, "model-a", m.OpenAIName)
}

func TestModelForVendor(t *testing.T) {
	c := Default()

	got, ok := c.ModelForVendor("gpt-4o", VendorAnthropic)
	require.True(t, ok)
	assert.Equal(t, "claude-opus-4-6", got)

	got, ok = c.ModelForVendor("claude-sonnet-4-6", VendorGoogle)
	require.True(t, ok)
	assert.Equal(t, "gemini-1.5-flash", got)

	// Anthropic has no image model: the class exists, the vendor slot
	// is empty.
	_, ok = c.ModelForVendor("dall-e-3", VendorAnthropic)
	assert.False(t, ok)

	_, ok = c.ModelForVendor("no-such-model", VendorOpenAI)
	assert.False(t, ok)
}

func TestCapabilityForModel(t *testing.T) {
	c := Default()

	assert.Equal(t, CapabilityChat, c.CapabilityForModel("gpt-4o"))
	assert.Equal(t, CapabilityImages, c.CapabilityForModel("dall-e-3"))
	assert.Equal(t, CapabilityImages, c.CapabilityForModel("imagen-3.0-generate-001"))
	assert.Equal(t, CapabilityEmbeddings, c.CapabilityForModel("text-embedding-3-large"))

	// Unknown names default to chat so they still route best-effort.
	assert.Equal(t, CapabilityChat, c.CapabilityForModel("mystery-model"))
}

func TestModelsForVendor(t *testing.T) {
	c := Default()

	anthropic := c.ModelsForVendor(VendorAnthropic)
	assert.Equal(t, []string{"claude-opus-4-6", "claude-sonnet-4-6", "claude-haiku-4-6"}, anthropic)

	// text-embedding-004 backs two classes but must list once.
	google := c.ModelsForVendor(VendorGoogle)
	count := 0
	for _, m := range google {
		if m == "text-embedding-004" {
			count++
		}
	}
	assert.Equal(t, 1, count)

	assert.Empty(t, c.ModelsForVendor("azure"))
}
