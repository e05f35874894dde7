package vulkan

import (
	vk "github.com/goki/vulkan"
)

// chunkCommand is one deferred command. It runs on the worker with the
// chunk's draw command buffer and the upload command buffer that is
// submitted ahead of it.
type chunkCommand func(cmdbuf vk.CommandBuffer, upload vk.CommandBuffer)

/**
 * @brief A fixed capacity batch of deferred commands. Chunks are
 * recorded on the renderer thread, handed to the worker whole, executed
 * in order, then returned to a pool for reuse.
 */
type CommandChunk struct {
	commands []chunkCommand
	// Set when the chunk ends with a queue submission. The worker
	// rotates to fresh command buffers after executing such a chunk.
	submit bool
}

func NewCommandChunk() *CommandChunk {
	return &CommandChunk{
		commands: make([]chunkCommand, 0, VULKAN_COMMAND_CHUNK_CAPACITY),
	}
}

// Record appends a command. It reports false when the chunk is full and
// the command was not recorded; the caller dispatches the chunk and
// retries on a fresh one.
func (cc *CommandChunk) Record(fn chunkCommand) bool {
	if len(cc.commands) >= VULKAN_COMMAND_CHUNK_CAPACITY {
		return false
	}
	cc.commands = append(cc.commands, fn)
	return true
}

// ExecuteAll runs every recorded command in recording order, then
// resets the chunk for reuse.
func (cc *CommandChunk) ExecuteAll(cmdbuf vk.CommandBuffer, upload vk.CommandBuffer) {
	for _, fn := range cc.commands {
		fn(cmdbuf, upload)
	}
	cc.Reset()
}

func (cc *CommandChunk) Reset() {
	// Drop references so recorded closures can be collected.
	for i := range cc.commands {
		cc.commands[i] = nil
	}
	cc.commands = cc.commands[:0]
	cc.submit = false
}

func (cc *CommandChunk) Empty() bool {
	return len(cc.commands) == 0
}

func (cc *CommandChunk) Size() int {
	return len(cc.commands)
}

func (cc *CommandChunk) MarkSubmit() {
	cc.submit = true
}

func (cc *CommandChunk) HasSubmit() bool {
	return cc.submit
}
