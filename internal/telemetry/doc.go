// Package telemetry 封装 OpenTelemetry SDK 初始化逻辑，
// 为每个阶段进程配置 TracerProvider、MeterProvider 与 W3C 传播器。
// 当遥测功能禁用时，使用 noop 实现，但仍然转发上游的追踪上下文。
package telemetry
