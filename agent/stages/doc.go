// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 stages 把领域协作者包装成流水线阶段, 实现 a2a.TaskHandler。

# 阶段类型

  - transcriber: 从 data part 的 youtube_url 或包含视频链接的文本中取得 URL,
    调用协作者转写, 返回 transcription 与 metadata 产物, 并按内容类型选择下一跳。
  - extractor: 读取转写文本与视频链接, 调用协作者抽取结构化记录, 补全缺失字段,
    返回 recipe_data 产物, 以记录载荷转发给存储阶段。
  - storer: 终端阶段。读取 JSON 记录, 用元数据回填, 校验与预处理后调用协作者
    写入存储, 返回 notion_page 产物并结束链路。

# 协作者

Processor 是唯一的领域边界: Process(ctx, Input) (*Output, error)。
HTTPProcessor 通过 POST JSON 调用远程实现, 测试中使用 ProcessorFunc。

# 错误

入站缺失返回 BadRequest, 记录校验致命错误返回 ValidationFailed,
协作者失败在 transcriber / extractor 上是 ProcessingError, 在 storer 上是
ProcessingFailed。失败结果由 Notifier 写入 failed 跳转, 链路就此结束。

# 转发

AsyncDispatch 打开时, 本地结果先返回, 转发在独立上下文中进行;
Shutdown 等待进行中的转发结束。转发结果从不改变本地结果。
*/
package stages
