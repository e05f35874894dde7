package vulkan

import (
	"errors"
	"testing"

	vk "github.com/goki/vulkan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPipelineKey(seed uint64) GraphicsPipelineCacheKey {
	return GraphicsPipelineCacheKey{
		UniqueHashes: [VULKAN_PIPELINE_STAGES]uint64{seed, 0, 0, 0, seed + 1},
		State: FixedPipelineState{
			Topology:        vk.PrimitiveTopologyTriangleList,
			PolygonMode:     vk.PolygonModeFill,
			CullMode:        vk.CullModeBackBit,
			FrontFace:       vk.FrontFaceCounterClockwise,
			DepthTestEnable: true,
			DepthCompareOp:  vk.CompareOpLess,
			ColorWriteMask:  0xf,
		},
	}
}

func TestPipelineKeyHashStable(t *testing.T) {
	key := testPipelineKey(7)
	assert.Equal(t, key.Hash(), key.Hash())
	assert.Equal(t, key.Hash(), testPipelineKey(7).Hash())
}

func TestPipelineKeyHashDiscriminates(t *testing.T) {
	base := testPipelineKey(7)

	otherShader := base
	otherShader.UniqueHashes[0]++
	assert.NotEqual(t, base.Hash(), otherShader.Hash())

	otherState := base
	otherState.State.BlendEnable = true
	assert.NotEqual(t, base.Hash(), otherState.Hash())

	otherMask := base
	otherMask.State.ColorWriteMask = 0x7
	assert.NotEqual(t, base.Hash(), otherMask.Hash())
}

func TestPipelineKeyComparable(t *testing.T) {
	// Keys index the cache map directly, so equal keys must collapse to
	// one entry.
	seen := map[GraphicsPipelineCacheKey]int{}
	seen[testPipelineKey(1)]++
	seen[testPipelineKey(1)]++
	seen[testPipelineKey(2)]++
	assert.Len(t, seen, 2)
	assert.Equal(t, 2, seen[testPipelineKey(1)])
}

func TestPipelineTransitions(t *testing.T) {
	a := &GraphicsPipeline{Key: testPipelineKey(1)}
	b := &GraphicsPipeline{Key: testPipelineKey(2)}
	c := &GraphicsPipeline{Key: testPipelineKey(3)}

	assert.Same(t, a, a.Next(a.Key))
	assert.Nil(t, a.Next(b.Key))

	a.AddTransition(b)
	a.AddTransition(c)
	// Duplicate edges collapse.
	a.AddTransition(b)

	assert.Same(t, b, a.Next(b.Key))
	assert.Same(t, c, a.Next(c.Key))
	require.Len(t, a.transitions, 2)
	require.Len(t, a.transitionKeys, 2)

	assert.Nil(t, b.Next(a.Key))
}

func TestPipelineConfigureSkipsRebind(t *testing.T) {
	s, _, _ := newTestScheduler(t)

	pipeline := &GraphicsPipeline{Key: testPipelineKey(1)}

	before := s.chunk.Size()
	pipeline.Configure(s)
	assert.Equal(t, before+1, s.chunk.Size())

	// Already bound, nothing recorded.
	pipeline.Configure(s)
	assert.Equal(t, before+1, s.chunk.Size())
}

func TestPipelineCacheTranslatorFailureNotCached(t *testing.T) {
	boom := errors.New("bad ir")
	translator := func(ShaderProfile, int, []byte) ([]uint32, error) {
		return nil, boom
	}
	pc := NewPipelineCache(&VulkanContext{Device: &VulkanDevice{}}, &VulkanRenderpass{}, translator, ShaderProfile{})

	var stageIR [VULKAN_PIPELINE_STAGES][]byte
	stageIR[0] = []byte{1, 2, 3}

	_, err := pc.Get(testPipelineKey(1), stageIR)
	assert.ErrorIs(t, err, boom)
	// Nothing half-built survives into the cache.
	assert.Empty(t, pc.pipelines)
	assert.Nil(t, pc.current)
}

func TestPipelineIsBuilt(t *testing.T) {
	pipeline := &GraphicsPipeline{}
	assert.False(t, pipeline.IsBuilt())
	pipeline.built.Store(true)
	assert.True(t, pipeline.IsBuilt())
}
