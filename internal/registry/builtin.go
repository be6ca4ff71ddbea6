package registry

// builtinRegistry keeps the gateway bootable when no registry file is
// deployed. Models mirror config/model-registry.yaml.
const builtinRegistry = `
providers:
  ollama:
    models:
      default: llama3.2
      fast: llama3.2:3b
      quality: llama3.2:70b
      evaluation: llama3.2
  lightllm:
    models:
      default: llama-70b
  groq:
    models:
      default: llama-3.3-70b-versatile
      fast: llama-3.1-8b-instant
      quality: llama-3.3-70b-versatile
      evaluation: llama-3.3-70b-versatile
  gemini:
    models:
      default: gemini-1.5-flash
      fast: gemini-1.5-flash-8b
      quality: gemini-1.5-pro
      evaluation: gemini-1.5-flash
  anthropic:
    models:
      default: claude-sonnet-4-20250514
      fast: claude-3-5-haiku-20241022
      quality: claude-opus-4-20250514
      evaluation: claude-3-5-sonnet-20241022
  bedrock:
    models:
      default: anthropic.claude-3-sonnet-20240229-v1:0
      fast: anthropic.claude-3-haiku-20240307-v1:0
      quality: anthropic.claude-3-opus-20240229-v1:0
  azure_openai:
    models:
      default: gpt-4-turbo
      fast: gpt-35-turbo
      quality: gpt-4o

defaults:
  provider: ollama
  fallback_chain: [ollama, lightllm, groq, gemini, anthropic, bedrock, azure_openai]

parameters:
  default:
    temperature: 0.1
    max_tokens: 4096
    timeout_seconds: 60
  fast:
    temperature: 0.0
    max_tokens: 1024
    timeout_seconds: 30
  quality:
    temperature: 0.1
    max_tokens: 4096
    timeout_seconds: 120
`
