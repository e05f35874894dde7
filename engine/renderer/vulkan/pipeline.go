package vulkan

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"sync/atomic"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/prism/engine/core"
)

// Guest programs bind up to five stages: vertex, tessellation control,
// tessellation evaluation, geometry and fragment.
const VULKAN_PIPELINE_STAGES int = 5

/**
 * @brief FixedPipelineState is the fixed-function half of a pipeline
 * key. Comparable field by field, so it can live in a map key.
 */
type FixedPipelineState struct {
	Topology         vk.PrimitiveTopology
	PolygonMode      vk.PolygonMode
	CullMode         vk.CullModeFlagBits
	FrontFace        vk.FrontFace
	DepthTestEnable  bool
	DepthWriteEnable bool
	DepthCompareOp   vk.CompareOp
	BlendEnable      bool
	ColorWriteMask   uint8
}

/**
 * @brief GraphicsPipelineCacheKey identifies a pipeline by its
 * per-stage shader hashes and fixed-function state. Comparable, and
 * hashed over an explicit serialization so the value is stable across
 * runs regardless of in-memory layout.
 */
type GraphicsPipelineCacheKey struct {
	UniqueHashes [VULKAN_PIPELINE_STAGES]uint64
	State        FixedPipelineState
}

func (k GraphicsPipelineCacheKey) Hash() uint64 {
	h := fnv.New64a()
	var scratch [8]byte
	for _, stageHash := range k.UniqueHashes {
		binary.LittleEndian.PutUint64(scratch[:], stageHash)
		h.Write(scratch[:])
	}
	s := k.State
	packed := []byte{
		byte(s.Topology),
		byte(s.PolygonMode),
		byte(s.CullMode),
		byte(s.FrontFace),
		boolByte(s.DepthTestEnable),
		boolByte(s.DepthWriteEnable),
		byte(s.DepthCompareOp),
		boolByte(s.BlendEnable),
		s.ColorWriteMask,
	}
	h.Write(packed)
	return h.Sum64()
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// ShaderProfile describes host capabilities handed to the shader
// translator.
type ShaderProfile struct {
	SupportedSpirvVersion uint32
	MaxVertexAttributes   uint32
	SupportsGeometry      bool
	SupportsTessellation  bool
}

// ShaderTranslator turns one stage of guest shader IR into a SPIR-V
// blob. The translation itself is an external collaborator; the
// pipeline cache only caches its output by pipeline key.
type ShaderTranslator func(profile ShaderProfile, stage int, ir []byte) ([]uint32, error)

/**
 * @brief GraphicsPipeline is one compiled pipeline plus its transition
 * edges: the pipelines that tend to be bound right after this one, so
 * lookup for the common case skips the cache map.
 */
type GraphicsPipeline struct {
	Key    GraphicsPipelineCacheKey
	Handle vk.Pipeline
	Layout vk.PipelineLayout

	modules []vk.ShaderModule

	built atomic.Bool

	// Transition edges. Only touched from the renderer thread.
	transitionKeys []GraphicsPipelineCacheKey
	transitions    []*GraphicsPipeline
}

// IsBuilt reports whether the native pipeline is ready to bind.
func (gp *GraphicsPipeline) IsBuilt() bool {
	return gp.built.Load()
}

// AddTransition records that current_key tends to follow this pipeline.
func (gp *GraphicsPipeline) AddTransition(next *GraphicsPipeline) {
	for _, key := range gp.transitionKeys {
		if key == next.Key {
			return
		}
	}
	gp.transitionKeys = append(gp.transitionKeys, next.Key)
	gp.transitions = append(gp.transitions, next)
}

// Next returns the pipeline for the key when it is this one or one of
// its transition edges, nil otherwise.
func (gp *GraphicsPipeline) Next(key GraphicsPipelineCacheKey) *GraphicsPipeline {
	if key == gp.Key {
		return gp
	}
	for i, transitionKey := range gp.transitionKeys {
		if transitionKey == key {
			return gp.transitions[i]
		}
	}
	return nil
}

// Configure binds the pipeline through the scheduler unless it is
// already the bound one.
func (gp *GraphicsPipeline) Configure(scheduler *Scheduler) {
	if !scheduler.UpdateGraphicsPipeline(gp) {
		return
	}
	handle := gp.Handle
	scheduler.Record(func(cmdbuf vk.CommandBuffer) {
		vk.CmdBindPipeline(cmdbuf, vk.PipelineBindPointGraphics, handle)
	})
}

/**
 * @brief PipelineCache owns every compiled graphics pipeline, keyed by
 * GraphicsPipelineCacheKey. The last bound pipeline's transition edges
 * short-circuit the map for back-to-back state changes.
 */
type PipelineCache struct {
	context    *VulkanContext
	renderpass *VulkanRenderpass
	translator ShaderTranslator
	profile    ShaderProfile

	pipelines map[GraphicsPipelineCacheKey]*GraphicsPipeline
	current   *GraphicsPipeline
}

func NewPipelineCache(context *VulkanContext, renderpass *VulkanRenderpass, translator ShaderTranslator, profile ShaderProfile) *PipelineCache {
	return &PipelineCache{
		context:    context,
		renderpass: renderpass,
		translator: translator,
		profile:    profile,
		pipelines:  make(map[GraphicsPipelineCacheKey]*GraphicsPipeline),
	}
}

// Get returns the pipeline for the key, building it on first use from
// the per-stage IR blobs. stageIR entries may be nil for unused stages.
func (pc *PipelineCache) Get(key GraphicsPipelineCacheKey, stageIR [VULKAN_PIPELINE_STAGES][]byte) (*GraphicsPipeline, error) {
	// Fast path through the last pipeline's transition edges.
	if pc.current != nil {
		if next := pc.current.Next(key); next != nil {
			pc.current = next
			return next, nil
		}
	}

	if pipeline, ok := pc.pipelines[key]; ok {
		if pc.current != nil {
			pc.current.AddTransition(pipeline)
		}
		pc.current = pipeline
		return pipeline, nil
	}

	pipeline, err := pc.build(key, stageIR)
	if err != nil {
		return nil, err
	}
	pc.pipelines[key] = pipeline
	if pc.current != nil {
		pc.current.AddTransition(pipeline)
	}
	pc.current = pipeline
	return pipeline, nil
}

func (pc *PipelineCache) Destroy() {
	device := pc.context.Device.LogicalDevice
	for _, pipeline := range pc.pipelines {
		for _, module := range pipeline.modules {
			vk.DestroyShaderModule(device, module, pc.context.Allocator)
		}
		if pipeline.Handle != nil {
			vk.DestroyPipeline(device, pipeline.Handle, pc.context.Allocator)
		}
		if pipeline.Layout != nil {
			vk.DestroyPipelineLayout(device, pipeline.Layout, pc.context.Allocator)
		}
	}
	pc.pipelines = nil
	pc.current = nil
}

func (pc *PipelineCache) build(key GraphicsPipelineCacheKey, stageIR [VULKAN_PIPELINE_STAGES][]byte) (*GraphicsPipeline, error) {
	device := pc.context.Device.LogicalDevice
	pipeline := &GraphicsPipeline{Key: key}

	// Partially built pipelines never reach the cache map, so their
	// modules and layout must be released here on failure.
	destroyPartial := func() {
		for _, module := range pipeline.modules {
			vk.DestroyShaderModule(device, module, pc.context.Allocator)
		}
		if pipeline.Layout != nil {
			vk.DestroyPipelineLayout(device, pipeline.Layout, pc.context.Allocator)
		}
	}

	stageFlags := [VULKAN_PIPELINE_STAGES]vk.ShaderStageFlagBits{
		vk.ShaderStageVertexBit,
		vk.ShaderStageTessellationControlBit,
		vk.ShaderStageTessellationEvaluationBit,
		vk.ShaderStageGeometryBit,
		vk.ShaderStageFragmentBit,
	}

	var shaderStages []vk.PipelineShaderStageCreateInfo
	for stage := 0; stage < VULKAN_PIPELINE_STAGES; stage++ {
		if stageIR[stage] == nil {
			continue
		}
		spirv, err := pc.translator(pc.profile, stage, stageIR[stage])
		if err != nil {
			core.LogError("shader translation failed for stage %d: %v", stage, err)
			destroyPartial()
			return nil, err
		}
		moduleCreateInfo := vk.ShaderModuleCreateInfo{
			SType:    vk.StructureTypeShaderModuleCreateInfo,
			CodeSize: uint64(len(spirv)) * 4,
			PCode:    spirv,
		}
		var module vk.ShaderModule
		if res := vk.CreateShaderModule(device, &moduleCreateInfo, pc.context.Allocator, &module); res != vk.Success {
			err := fmt.Errorf("failed to create shader module: %s", VulkanResultString(res))
			core.LogError(err.Error())
			destroyPartial()
			return nil, VulkanResultToError(res)
		}
		pipeline.modules = append(pipeline.modules, module)
		shaderStages = append(shaderStages, vk.PipelineShaderStageCreateInfo{
			SType:  vk.StructureTypePipelineShaderStageCreateInfo,
			Stage:  stageFlags[stage],
			Module: module,
			PName:  VulkanSafeString("main"),
		})
	}

	layoutCreateInfo := vk.PipelineLayoutCreateInfo{
		SType: vk.StructureTypePipelineLayoutCreateInfo,
	}
	if res := vk.CreatePipelineLayout(device, &layoutCreateInfo, pc.context.Allocator, &pipeline.Layout); res != vk.Success {
		err := fmt.Errorf("failed to create pipeline layout: %s", VulkanResultString(res))
		core.LogError(err.Error())
		destroyPartial()
		return nil, VulkanResultToError(res)
	}

	state := key.State

	vertexInput := vk.PipelineVertexInputStateCreateInfo{
		SType: vk.StructureTypePipelineVertexInputStateCreateInfo,
	}
	inputAssembly := vk.PipelineInputAssemblyStateCreateInfo{
		SType:    vk.StructureTypePipelineInputAssemblyStateCreateInfo,
		Topology: state.Topology,
	}
	viewportState := vk.PipelineViewportStateCreateInfo{
		SType:         vk.StructureTypePipelineViewportStateCreateInfo,
		ViewportCount: 1,
		ScissorCount:  1,
	}
	rasterization := vk.PipelineRasterizationStateCreateInfo{
		SType:       vk.StructureTypePipelineRasterizationStateCreateInfo,
		PolygonMode: state.PolygonMode,
		CullMode:    vk.CullModeFlags(state.CullMode),
		FrontFace:   state.FrontFace,
		LineWidth:   1.0,
	}
	multisample := vk.PipelineMultisampleStateCreateInfo{
		SType:                vk.StructureTypePipelineMultisampleStateCreateInfo,
		RasterizationSamples: vk.SampleCount1Bit,
	}
	depthStencil := vk.PipelineDepthStencilStateCreateInfo{
		SType:            vk.StructureTypePipelineDepthStencilStateCreateInfo,
		DepthTestEnable:  vkBool(state.DepthTestEnable),
		DepthWriteEnable: vkBool(state.DepthWriteEnable),
		DepthCompareOp:   state.DepthCompareOp,
	}
	blendAttachment := vk.PipelineColorBlendAttachmentState{
		BlendEnable:         vkBool(state.BlendEnable),
		SrcColorBlendFactor: vk.BlendFactorSrcAlpha,
		DstColorBlendFactor: vk.BlendFactorOneMinusSrcAlpha,
		ColorBlendOp:        vk.BlendOpAdd,
		SrcAlphaBlendFactor: vk.BlendFactorOne,
		DstAlphaBlendFactor: vk.BlendFactorZero,
		AlphaBlendOp:        vk.BlendOpAdd,
		ColorWriteMask:      vk.ColorComponentFlags(state.ColorWriteMask),
	}
	colorBlend := vk.PipelineColorBlendStateCreateInfo{
		SType:           vk.StructureTypePipelineColorBlendStateCreateInfo,
		AttachmentCount: 1,
		PAttachments:    []vk.PipelineColorBlendAttachmentState{blendAttachment},
	}
	dynamicStates := []vk.DynamicState{vk.DynamicStateViewport, vk.DynamicStateScissor}
	dynamic := vk.PipelineDynamicStateCreateInfo{
		SType:             vk.StructureTypePipelineDynamicStateCreateInfo,
		DynamicStateCount: uint32(len(dynamicStates)),
		PDynamicStates:    dynamicStates,
	}

	pipelineCreateInfo := vk.GraphicsPipelineCreateInfo{
		SType:               vk.StructureTypeGraphicsPipelineCreateInfo,
		StageCount:          uint32(len(shaderStages)),
		PStages:             shaderStages,
		PVertexInputState:   &vertexInput,
		PInputAssemblyState: &inputAssembly,
		PViewportState:      &viewportState,
		PRasterizationState: &rasterization,
		PMultisampleState:   &multisample,
		PDepthStencilState:  &depthStencil,
		PColorBlendState:    &colorBlend,
		PDynamicState:       &dynamic,
		Layout:              pipeline.Layout,
		RenderPass:          pc.renderpass.Handle,
		Subpass:             0,
	}

	pipelines := make([]vk.Pipeline, 1)
	if res := vk.CreateGraphicsPipelines(device, nil, 1, []vk.GraphicsPipelineCreateInfo{pipelineCreateInfo}, pc.context.Allocator, pipelines); res != vk.Success {
		err := fmt.Errorf("failed to create graphics pipeline: %s", VulkanResultString(res))
		core.LogError(err.Error())
		destroyPartial()
		return nil, VulkanResultToError(res)
	}
	pipeline.Handle = pipelines[0]
	pipeline.built.Store(true)

	core.LogDebug("built graphics pipeline %016x", key.Hash())
	return pipeline, nil
}

func vkBool(b bool) vk.Bool32 {
	if b {
		return vk.True
	}
	return vk.False
}
