// Package executor 实现逐步轮转（ping-pong）的流程执行器：
// 为每个步骤向智能体请求动作，交给账本处理器执行，再把观察结果折回执行上下文。
package executor
